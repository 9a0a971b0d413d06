package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the renderer and prompter writing
// concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeCLI writes an executable shell script standing in for the agent CLI.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// useConfig writes cfg as the config file selected by --config for the
// duration of the test.
func useConfig(t *testing.T, cfg map[string]interface{}) string {
	t.Helper()

	dir := t.TempDir()
	if _, ok := cfg["data_dir"]; !ok {
		cfg["data_dir"] = dir
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "conduit.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	prevFile, prevLevel := cfgFile, logLevel
	cfgFile, logLevel = path, ""
	t.Cleanup(func() {
		cfgFile, logLevel = prevFile, prevLevel
	})
	return dir
}

// testCommand returns a command with captured output and the given input.
func testCommand(in string) (*cobra.Command, *syncBuffer, *syncBuffer) {
	out, errOut := &syncBuffer{}, &syncBuffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(bytes.NewBufferString(in))
	return cmd, out, errOut
}
