package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/workerruntime"
)

func shellRuntime(script string) *workerruntime.Runtime {
	return workerruntime.New(config.WorkerCommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
	})
}

func waitForStatus(t *testing.T, m *Manager, sessionID string, status model.SessionStatus, timeout time.Duration) model.AgentSession {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sess, ok := m.Get(sessionID)
		if ok && sess.Status == status {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s did not reach status %s in time", sessionID, status)
	return model.AgentSession{}
}

func TestStartSessionHappyPathEndsCompleted(t *testing.T) {
	bus := eventbus.New()
	rt := shellRuntime(`echo '{"type":"assistant","message":{"content":"profiled"}}'`)
	m := NewManager(rt, bus)

	var endedEvents []model.AgentSession
	bus.Subscribe(eventbus.TopicSessionEnded, func(topic string, payload any) {
		endedEvents = append(endedEvents, payload.(model.AgentSession))
	})

	sessionID, err := m.StartSession(StartSessionOptions{AgentID: "a1", TaskID: "t1", Prompt: "go"})
	require.NoError(t, err)

	sess := waitForStatus(t, m, sessionID, model.SessionCompleted, 3*time.Second)
	require.Len(t, sess.Messages, 1)
	assert.Equal(t, "profiled", sess.Messages[0].Content)
	require.Len(t, endedEvents, 1)
}

func TestPermissionDenialThenApprovalResumes(t *testing.T) {
	bus := eventbus.New()
	rt := shellRuntime(`echo '{"type":"result","subtype":"close","permission_denials":[{"tool_name":"Bash"}]}'`)
	m := NewManager(rt, bus)

	var requested []string
	bus.Subscribe(eventbus.TopicPermissionRequested, func(topic string, payload any) {
		p := payload.(struct {
			SessionID string
			ToolName  string
		})
		requested = append(requested, p.ToolName)
	})

	sessionID, err := m.StartSession(StartSessionOptions{AgentID: "a1", TaskID: "t1", Prompt: "go"})
	require.NoError(t, err)

	sess := waitForStatus(t, m, sessionID, model.SessionWaitingInput, 3*time.Second)
	require.Len(t, sess.PendingPermissions, 1)
	assert.Equal(t, "Bash", sess.PendingPermissions[0].ToolName)
	assert.Equal(t, []string{"Bash"}, requested)

	resolved, allApproved, err := m.ApprovePermission(sessionID, "bash")
	require.NoError(t, err)
	assert.Equal(t, "Bash", resolved)
	assert.True(t, allApproved)

	sess, _ = m.Get(sessionID)
	assert.Empty(t, sess.PendingPermissions)
}

func TestWaitingInputNeverEndsWithoutOperatorAction(t *testing.T) {
	bus := eventbus.New()
	rt := shellRuntime(`echo '{"type":"result","subtype":"close","permission_denials":[{"tool_name":"Bash"}]}'`)
	m := NewManager(rt, bus)

	sessionID, err := m.StartSession(StartSessionOptions{AgentID: "a1", TaskID: "t1", Prompt: "go"})
	require.NoError(t, err)

	waitForStatus(t, m, sessionID, model.SessionWaitingInput, 3*time.Second)
	time.Sleep(100 * time.Millisecond)
	sess, _ := m.Get(sessionID)
	assert.Equal(t, model.SessionWaitingInput, sess.Status)
}

func TestDenyPermissionEndsSessionCompleted(t *testing.T) {
	bus := eventbus.New()
	rt := shellRuntime(`echo '{"type":"result","subtype":"close","permission_denials":[{"tool_name":"Bash"}]}'`)
	m := NewManager(rt, bus)

	sessionID, err := m.StartSession(StartSessionOptions{AgentID: "a1", TaskID: "t1", Prompt: "go"})
	require.NoError(t, err)
	waitForStatus(t, m, sessionID, model.SessionWaitingInput, 3*time.Second)

	require.NoError(t, m.DenyPermission(sessionID))
	sess, _ := m.Get(sessionID)
	assert.Equal(t, model.SessionCompleted, sess.Status)
}

func TestApprovePermissionTwiceIsIdempotent(t *testing.T) {
	bus := eventbus.New()
	rt := shellRuntime(`echo '{"type":"result","subtype":"close","permission_denials":[{"tool_name":"Bash"}]}'`)
	m := NewManager(rt, bus)

	sessionID, err := m.StartSession(StartSessionOptions{AgentID: "a1", TaskID: "t1", Prompt: "go"})
	require.NoError(t, err)
	waitForStatus(t, m, sessionID, model.SessionWaitingInput, 3*time.Second)

	_, allApproved, err := m.ApprovePermission(sessionID, "Bash")
	require.NoError(t, err)
	assert.True(t, allApproved)

	_, allApproved, err = m.ApprovePermission(sessionID, "Bash")
	require.NoError(t, err)
	assert.True(t, allApproved)
}
