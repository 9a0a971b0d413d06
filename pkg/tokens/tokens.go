// Package tokens derives context-window budget snapshots from result events.
package tokens

import (
	"os"
	"strconv"

	"github.com/tidwall/gjson"
)

// DefaultContextWindow is the budget ceiling used when none is configured.
const DefaultContextWindow = 160000

// Budget is the token consumption of a session against its ceiling.
type Budget struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// counter pairs the per-call field with its cumulative counterpart.
type counter struct {
	perCall    string
	cumulative string
}

var counters = []counter{
	{perCall: "inputTokens", cumulative: "cumulativeInputTokens"},
	{perCall: "outputTokens", cumulative: "cumulativeOutputTokens"},
	{perCall: "cacheReadInputTokens", cumulative: "cumulativeCacheReadInputTokens"},
	{perCall: "cacheCreationInputTokens", cumulative: "cumulativeCacheCreationInputTokens"},
}

// Accountant computes budgets against a fixed ceiling.
type Accountant struct {
	ceiling int
}

// NewAccountant creates an accountant. A non-positive ceiling falls back to
// DefaultContextWindow.
func NewAccountant(ceiling int) *Accountant {
	if ceiling <= 0 {
		ceiling = DefaultContextWindow
	}
	return &Accountant{ceiling: ceiling}
}

// Ceiling returns the configured budget ceiling.
func (a *Accountant) Ceiling() int {
	return a.ceiling
}

// FromResult reads the modelUsage object of a raw result line and returns the
// budget of its first model, or nil when no usage is present.
func (a *Accountant) FromResult(raw []byte) *Budget {
	if !gjson.ValidBytes(raw) {
		return nil
	}
	return a.FromModelUsage([]byte(gjson.GetBytes(raw, "modelUsage").Raw))
}

// FromModelUsage computes the budget from a modelUsage object. Models are
// considered in document order; only the first one counts.
func (a *Accountant) FromModelUsage(modelUsage []byte) *Budget {
	usage := gjson.ParseBytes(modelUsage)
	if !usage.IsObject() {
		return nil
	}

	var first gjson.Result
	found := false
	usage.ForEach(func(_, value gjson.Result) bool {
		first = value
		found = true
		return false
	})
	if !found || !first.IsObject() {
		return nil
	}

	used := 0
	for _, c := range counters {
		used += pick(first, c)
	}

	return &Budget{Used: used, Total: a.ceiling}
}

// pick prefers the cumulative counter when it is present and positive.
func pick(bucket gjson.Result, c counter) int {
	if v := bucket.Get(c.cumulative); v.Exists() && v.Int() > 0 {
		return int(v.Int())
	}
	return int(bucket.Get(c.perCall).Int())
}

// CeilingFromEnv returns CONTEXT_WINDOW when it parses as a positive integer,
// otherwise fallback.
func CeilingFromEnv(fallback int) int {
	if v, err := strconv.Atoi(os.Getenv("CONTEXT_WINDOW")); err == nil && v > 0 {
		return v
	}
	return fallback
}
