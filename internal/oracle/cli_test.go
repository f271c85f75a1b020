package oracle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/config"
)

func TestCLIOracleAccumulatesAssistantText(t *testing.T) {
	o := NewCLIOracle(config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo '{"type":"assistant","message":{"content":"the "}}'; echo '{"type":"assistant","message":{"content":"answer"}}'`},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := o.Complete(ctx, "", "what is it")
	require.NoError(t, err)
	assert.Equal(t, "the answer", out)
}

func TestCLIOracleFallsBackToTerminalResult(t *testing.T) {
	o := NewCLIOracle(config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo '{"type":"result","subtype":"close","result":"fallback text"}'`},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := o.Complete(ctx, "", "x")
	require.NoError(t, err)
	assert.Equal(t, "fallback text", out)
}

func TestCLIOracleReturnsErrorOnSubprocessFailure(t *testing.T) {
	o := NewCLIOracle(config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", `echo '{"type":"result","subtype":"error","result":"boom"}'`},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := o.Complete(ctx, "", "x")
	assert.Error(t, err)
}
