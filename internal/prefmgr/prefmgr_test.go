package prefmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestAddPreferenceUpsertsByKey(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.AddPreference("agent-1", "style", "tabs_or_spaces", "tabs", "chat", model.ConfidenceInferred)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AddPreference("agent-1", "style", "tabs_or_spaces", "spaces", "chat", model.ConfidenceExplicit)
	require.NoError(t, err)
	assert.True(t, ok)

	prefs, err := m.List("agent-1")
	require.NoError(t, err)
	require.Len(t, prefs, 1)
	assert.Equal(t, "spaces", prefs[0].Value)
	assert.Equal(t, model.ConfidenceExplicit, prefs[0].Confidence)
}

func TestAddPreferenceRejectsLowerConfidence(t *testing.T) {
	m := newTestManager(t)

	_, err := m.AddPreference("agent-1", "style", "tone", "terse", "chat", model.ConfidenceExplicit)
	require.NoError(t, err)

	ok, err := m.AddPreference("agent-1", "style", "tone", "verbose", "guess", model.ConfidenceAssumed)
	require.NoError(t, err)
	assert.False(t, ok)

	prefs, _ := m.List("agent-1")
	require.Len(t, prefs, 1)
	assert.Equal(t, "terse", prefs[0].Value)
}

func TestIncrementUsage(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AddPreference("agent-1", "style", "tone", "terse", "chat", model.ConfidenceExplicit)
	require.NoError(t, err)

	require.NoError(t, m.IncrementUsage("agent-1", "tone"))
	prefs, _ := m.List("agent-1")
	require.Len(t, prefs, 1)
	assert.Equal(t, 1, prefs[0].UsedCount)
	assert.NotNil(t, prefs[0].LastUsedAt)
}

func TestForgetRemovesPreference(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AddPreference("agent-1", "style", "tone", "terse", "chat", model.ConfidenceExplicit)
	require.NoError(t, err)

	require.NoError(t, m.Forget("agent-1", "tone"))

	prefs, err := m.List("agent-1")
	require.NoError(t, err)
	assert.Empty(t, prefs)

	err = m.Forget("agent-1", "tone")
	assert.Error(t, err)
}

func TestParseAndStoreExtractionHandlesFencedAndPlainJSON(t *testing.T) {
	m := newTestManager(t)

	resp := "Sure thing! Here's what I found:\n```json\n{\"preferences\":[{\"category\":\"style\",\"key\":\"tone\",\"value\":\"terse\",\"confidence\":\"explicit\"}]}\n```\nLet me know if you need anything else."
	n, err := m.ParseAndStoreExtraction("agent-1", resp, "extraction")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	prefs, _ := m.List("agent-1")
	require.Len(t, prefs, 1)
	assert.Equal(t, "terse", prefs[0].Value)

	plain := `{"preferences":[{"category":"style","key":"indent","value":"tabs","confidence":"inferred"}]}`
	n, err = m.ParseAndStoreExtraction("agent-1", plain, "extraction")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	prefs, _ = m.List("agent-1")
	assert.Len(t, prefs, 2)
}

func TestParseAndStoreExtractionReturnsZeroOnNoJSON(t *testing.T) {
	m := newTestManager(t)
	n, err := m.ParseAndStoreExtraction("agent-1", "Nothing worth remembering here.", "extraction")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBuildPreferenceContextRendersCompactList(t *testing.T) {
	m := newTestManager(t)
	_, err := m.AddPreference("agent-1", "style", "tone", "terse", "chat", model.ConfidenceExplicit)
	require.NoError(t, err)

	ctx, err := m.BuildPreferenceContext("agent-1")
	require.NoError(t, err)
	assert.Contains(t, ctx, "tone: terse")
}
