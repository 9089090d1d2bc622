package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestRunner_Run(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	runner := NewRunner(WithBaseDir(dir), WithEnv("PILOT_TEST=1"))

	t.Run("Runs Shell Command In Base Dir", func(t *testing.T) {
		out, err := runner.Run(context.Background(), Request{Command: "echo hello > out.txt && echo done"})
		require.NoError(t, err)
		assert.False(t, out.Failed())
		assert.Equal(t, "done\n", out.Stdout)
		data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello\n", string(data))
	})

	t.Run("Reports Exit Code", func(t *testing.T) {
		out, err := runner.Run(context.Background(), Request{Command: "echo oops >&2; exit 3"})
		require.NoError(t, err, "a failing command is not an error")
		assert.True(t, out.Failed())
		assert.Equal(t, 3, out.ExitCode)
		assert.Equal(t, "oops\n", out.Stderr)
	})

	t.Run("Passes Arguments via Env Vars", func(t *testing.T) {
		out, err := runner.Run(context.Background(), Request{
			Command: `echo "$PILOT_ARG_MSG $PILOT_ARG_LIST $PILOT_TEST"`,
			Args:    map[string]any{"msg": "SecretMessage", "list": []string{"a", "b"}},
		})
		require.NoError(t, err)
		assert.Equal(t, `SecretMessage ["a","b"] 1`+"\n", out.Stdout)
	})

	t.Run("Feeds Stdin And Decodes JSON", func(t *testing.T) {
		out, err := runner.Run(context.Background(), Request{Argv: []string{"cat"}, Stdin: []byte(`{"ok": true}`)})
		require.NoError(t, err)
		var v struct{ OK bool }
		require.NoError(t, out.JSON(&v))
		assert.True(t, v.OK)
	})

	t.Run("Fails To Start Unknown Program", func(t *testing.T) {
		_, err := runner.Run(context.Background(), Request{Argv: []string{"definitely-not-a-real-binary-xyz"}})
		assert.Error(t, err)
	})

	t.Run("Rejects Empty Command", func(t *testing.T) {
		_, err := runner.Run(context.Background(), Request{Command: "  "})
		assert.ErrorIs(t, err, ErrEmptyCommand)
	})
}

func TestRunner_Timeout(t *testing.T) {
	skipOnWindows(t)
	runner := NewRunner(WithGracePeriod(time.Second))

	start := time.Now()
	out, err := runner.Run(context.Background(), Request{Command: "sleep 10", Timeout: 100 * time.Millisecond})
	require.NoError(t, err, "a timeout is an ordinary failure")
	assert.True(t, out.TimedOut)
	assert.True(t, out.Failed())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_IgnoredInterruptIsKilled(t *testing.T) {
	skipOnWindows(t)
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}
	runner := NewRunner(WithGracePeriod(500 * time.Millisecond))

	start := time.Now()
	out, err := runner.Run(context.Background(), Request{
		Argv:    []string{"sh", "-c", `trap "" INT; sleep 10`},
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second, "the grace period ends with a kill")
}

func TestRunner_ParentCancel(t *testing.T) {
	skipOnWindows(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := NewRunner(WithGracePeriod(time.Second)).Run(ctx, Request{Command: "sleep 10"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestArgsEnv(t *testing.T) {
	env := argsEnv(map[string]any{"b": 2, "a": nil, "c": map[string]int{"x": 1}})
	assert.Equal(t, []string{"PILOT_ARG_A=", "PILOT_ARG_B=2", `PILOT_ARG_C={"x":1}`}, env)
}
