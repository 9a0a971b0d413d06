package provider

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harun/conduit/pkg/envelope"
)

// fakeCLI writes an executable shell script standing in for the agent CLI.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// waitFor blocks until the recorder publishes an envelope of type typ.
func waitFor(t *testing.T, rec *envelope.Recorder, typ envelope.Type) envelope.Envelope {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-rec.C():
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %v", typ, rec.Types())
		}
	}
}

func indexOf(types []envelope.Type, typ envelope.Type) int {
	for i, tt := range types {
		if tt == typ {
			return i
		}
	}
	return -1
}

func lastOf(rec *envelope.Recorder, typ envelope.Type) envelope.Envelope {
	envs := rec.Envelopes()
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == typ {
			return envs[i]
		}
	}
	return envelope.Envelope{}
}

// withMaxLineSize lowers the output line limit so tests need not write
// megabytes.
func withMaxLineSize(n int) Option {
	return func(s *settings) { s.maxLine = n }
}
