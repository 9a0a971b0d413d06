package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromResult_FirstModelPerCallCounters(t *testing.T) {
	acct := NewAccountant(160000)
	budget := acct.FromResult([]byte(`{"type":"result","modelUsage":{"m1":{"inputTokens":100,"outputTokens":50}}}`))

	require.NotNil(t, budget)
	assert.Equal(t, Budget{Used: 150, Total: 160000}, *budget)
}

func TestFromResult_PrefersCumulative(t *testing.T) {
	acct := NewAccountant(200000)
	budget := acct.FromResult([]byte(`{"modelUsage":{"m1":{"inputTokens":10,"cumulativeInputTokens":1000,"outputTokens":5,"cumulativeOutputTokens":0,"cacheReadInputTokens":7,"cumulativeCacheReadInputTokens":70,"cacheCreationInputTokens":3}}}`))

	require.NotNil(t, budget)
	// cumulative input (1000) + per-call output (cumulative is zero: 5) + cumulative cache read (70) + per-call cache creation (3)
	assert.Equal(t, 1078, budget.Used)
	assert.Equal(t, 200000, budget.Total)
}

func TestFromResult_DocumentOrder(t *testing.T) {
	acct := NewAccountant(0)
	budget := acct.FromResult([]byte(`{"modelUsage":{"zeta":{"inputTokens":1},"alpha":{"inputTokens":99}}}`))

	require.NotNil(t, budget)
	assert.Equal(t, 1, budget.Used)
	assert.Equal(t, DefaultContextWindow, budget.Total)
}

func TestFromResult_NoUsage(t *testing.T) {
	acct := NewAccountant(100)

	assert.Nil(t, acct.FromResult([]byte(`{"type":"result"}`)))
	assert.Nil(t, acct.FromResult([]byte(`{"modelUsage":{}}`)))
	assert.Nil(t, acct.FromResult([]byte(`{"modelUsage":"oops"}`)))
	assert.Nil(t, acct.FromResult([]byte(`not json`)))
}

func TestFromResult_MissingFieldsAreZero(t *testing.T) {
	acct := NewAccountant(100)
	budget := acct.FromResult([]byte(`{"modelUsage":{"m1":{}}}`))

	require.NotNil(t, budget)
	assert.Equal(t, 0, budget.Used)
}

func TestCeilingFromEnv(t *testing.T) {
	t.Setenv("CONTEXT_WINDOW", "50000")
	assert.Equal(t, 50000, CeilingFromEnv(160000))

	t.Setenv("CONTEXT_WINDOW", "garbage")
	assert.Equal(t, 160000, CeilingFromEnv(160000))
}
