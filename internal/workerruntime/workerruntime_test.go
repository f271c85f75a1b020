package workerruntime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/config"
)

// fakeShellCommand returns a WorkerCommandConfig that runs /bin/sh so
// tests don't depend on a real worker CLI being installed.
func fakeShellCommand(script string) config.WorkerCommandConfig {
	return config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	}
}

func drain(ch <-chan RawEvent, timeout time.Duration) []RawEvent {
	var events []RawEvent
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			return events
		}
	}
}

func TestSpawnParsesJSONLinesAndEmitsTerminalResult(t *testing.T) {
	script := `echo '{"type":"assistant","message":{"content":"hi"}}'`
	rt := New(fakeShellCommand(script))

	ch, err := rt.Spawn(context.Background(), SpawnOptions{SessionID: "s1", Prompt: "ignored since -c script is fixed"})
	require.NoError(t, err)

	events := drain(ch, 3*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, "assistant", events[0].Data["type"])
	last := events[len(events)-1]
	assert.Equal(t, "result", last.Data["type"])
	assert.Equal(t, "close", last.Data["subtype"])
}

func TestSpawnFallsBackToSystemEventOnUnparsableLine(t *testing.T) {
	script := `echo 'not json'`
	rt := New(fakeShellCommand(script))

	ch, err := rt.Spawn(context.Background(), SpawnOptions{SessionID: "s1", Prompt: "x"})
	require.NoError(t, err)

	events := drain(ch, 3*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, "system", events[0].Data["type"])
	assert.Equal(t, "not json", events[0].Data["content"])
}

func TestSupersededGenerationDropsPriorEvents(t *testing.T) {
	// First process sleeps then prints; resuming the same session id on
	// the same Runtime bumps the generation before the first process's
	// sleep finishes, so its late output must never be delivered.
	rt := New(fakeShellCommand(`sleep 0.3; echo '{"type":"assistant","message":{"content":"stale"}}'`))

	firstCh, err := rt.Spawn(context.Background(), SpawnOptions{SessionID: "s1", Prompt: "x"})
	require.NoError(t, err)

	_, err = rt.Spawn(context.Background(), SpawnOptions{SessionID: "s1", Prompt: "x", Resume: true})
	require.NoError(t, err)

	events := drain(firstCh, 2*time.Second)
	for _, e := range events {
		assert.NotEqual(t, "assistant", e.Data["type"], "stale event from superseded generation must be dropped")
	}
}
