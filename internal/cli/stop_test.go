package cli

import (
	"bytes"
	"os"
	"os/exec"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("command exists", func(t *testing.T) {
		cmd := GetRootCmd()
		stopCmd := cmd.Commands()

		found := false
		for _, c := range stopCmd {
			if c.Name() == "stop" {
				found = true
				break
			}
		}
		assert.True(t, found, "stop command should exist")
	})

	t.Run("help text", func(t *testing.T) {
		cmd := GetRootCmd()
		cmd.SetArgs([]string{"stop", "--help"})

		output := &bytes.Buffer{}
		cmd.SetOut(output)

		err := cmd.Execute()
		require.NoError(t, err)

		helpText := output.String()
		assert.Contains(t, helpText, "Stop the gateway started by conduit serve")
		assert.Contains(t, helpText, "timeout")
	})
}

func TestRunStop_NotRunning(t *testing.T) {
	dir := useConfig(t, map[string]interface{}{})
	require.NoError(t, os.WriteFile(pidFilePath(dir), []byte("999999999\n"), 0o644))
	cmd, out, _ := testCommand("")

	require.NoError(t, runStop(cmd, nil))
	assert.Equal(t, "Gateway is not running\n", out.String())
	assert.NoFileExists(t, pidFilePath(dir))
}

func TestRunStop_TerminatesProcess(t *testing.T) {
	dir := useConfig(t, map[string]interface{}{})

	proc := exec.Command("sleep", "30")
	require.NoError(t, proc.Start())
	exited := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = proc.Process.Kill()
		<-exited
	})

	pidFile := pidFilePath(dir)
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(proc.Process.Pid)+"\n"), 0o644))
	require.True(t, isRunning(pidFile))

	cmd, out, _ := testCommand("")
	require.NoError(t, runStop(cmd, nil))

	assert.Equal(t, "Gateway stopped\n", out.String())
	assert.NoFileExists(t, pidFile)
	<-exited
}
