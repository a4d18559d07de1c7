package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteCapturesStdout(t *testing.T) {
	res, err := Execute(context.Background(), `echo -n "hello $DISPATCH_PROMPT"`, ExecOptions{
		Env: map[string]string{"PROMPT": "world"},
	})
	require.NoError(t, err)
	require.Equal(t, "hello world", string(res.Stdout))
	require.Equal(t, 0, res.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	res, err := Execute(context.Background(), `sleep 5`, ExecOptions{
		Timeout: 20 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, res.TimedOut)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, ExecKindTimeout, execErr.Kind)
}

func TestExecuteMaxBufferExceeded(t *testing.T) {
	res, err := Execute(context.Background(), `yes x | head -c 1000`, ExecOptions{
		MaxBuffer: 10,
	})
	require.Error(t, err)
	require.True(t, res.BufferExceeded)
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, ExecKindMaxBuffer, execErr.Kind)
}

func TestExecuteMissingBinary(t *testing.T) {
	_, err := Execute(context.Background(), `this-binary-does-not-exist-xyz`, ExecOptions{})
	require.Error(t, err)
}

func TestExecuteNonZeroExitWithStdoutIsReported(t *testing.T) {
	res, err := Execute(context.Background(), `echo -n "partial"; exit 1`, ExecOptions{})
	require.Error(t, err)
	require.Equal(t, "partial", string(res.Stdout))
	var execErr *ExecError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, ExecKindNonZeroExit, execErr.Kind)
}

func TestExecuteMergeStderr(t *testing.T) {
	res, err := Execute(context.Background(), `echo -n "out"; echo -n "err" 1>&2`, ExecOptions{
		MergeStderr: true,
	})
	require.NoError(t, err)
	require.Equal(t, "outerr", string(res.Stdout))
}
