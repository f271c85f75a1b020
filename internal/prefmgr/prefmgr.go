// Package prefmgr implements the PreferenceManager of spec.md §4.8:
// confidence-ordered preference upserts keyed (agentId, key), prompt
// building for the Oracle extraction round-trip, and lenient parsing
// of the Oracle's JSON response. Grounded on the teacher's
// internal/agent/memory/extraction.go (fence-strip + brace-matching
// lenient JSON extraction) and internal/agent/memory/personality.go
// (per-agent keyed tacit memory idea).
package prefmgr

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/store"
)

// Manager owns Preferences, keyed per agent.
type Manager struct {
	mu    sync.Mutex
	store *store.Store
}

// New returns a ready Manager. Preferences are loaded lazily per agent
// since they're keyed files, not one collection.
func New(st *store.Store) *Manager {
	return &Manager{store: st}
}

// List returns every preference for an agent.
func (m *Manager) List(agentID string) ([]model.AgentPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, err := m.store.LoadPreferences(agentID)
	if err != nil {
		return nil, fmt.Errorf("load preferences for %s: %w", agentID, err)
	}
	return prefs, nil
}

// AddPreference upserts a preference keyed (agentId, key) with
// confidence-ordering: assumed < inferred < explicit. An existing
// preference is overwritten only if the new confidence is
// greater-or-equal; a strictly lower confidence is rejected (returns
// false, nil — not an error, since a stale low-confidence observation
// arriving late is an expected event, not a caller bug).
func (m *Manager) AddPreference(agentID, category, key, value, source string, confidence model.Confidence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs, err := m.store.LoadPreferences(agentID)
	if err != nil {
		return false, fmt.Errorf("load preferences for %s: %w", agentID, err)
	}

	for i := range prefs {
		if prefs[i].Key == key {
			if !confidence.AtLeast(prefs[i].Confidence) {
				return false, nil
			}
			prefs[i].Category = category
			prefs[i].Value = value
			prefs[i].Source = source
			prefs[i].Confidence = confidence
			if err := m.store.SavePreferences(agentID, prefs); err != nil {
				return false, fmt.Errorf("save preferences for %s: %w", agentID, err)
			}
			return true, nil
		}
	}

	prefs = append(prefs, model.AgentPreference{
		ID:         uuid.New().String(),
		AgentID:    agentID,
		Category:   category,
		Key:        key,
		Value:      value,
		Source:     source,
		Confidence: confidence,
		CreatedAt:  time.Now(),
	})
	if err := m.store.SavePreferences(agentID, prefs); err != nil {
		return false, fmt.Errorf("save preferences for %s: %w", agentID, err)
	}
	return true, nil
}

// IncrementUsage bumps usedCount and stamps lastUsedAt for a
// preference, triggered by "[Used preference: KEY]" markers in worker
// output.
func (m *Manager) IncrementUsage(agentID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs, err := m.store.LoadPreferences(agentID)
	if err != nil {
		return fmt.Errorf("load preferences for %s: %w", agentID, err)
	}
	found := false
	for i := range prefs {
		if prefs[i].Key == key {
			prefs[i].UsedCount++
			now := time.Now()
			prefs[i].LastUsedAt = &now
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("preference %q not found for agent %s", key, agentID)
	}
	return m.store.SavePreferences(agentID, prefs)
}

// Forget removes a preference by key, per the `forget <agent> <key>`
// control-surface command.
func (m *Manager) Forget(agentID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefs, err := m.store.LoadPreferences(agentID)
	if err != nil {
		return fmt.Errorf("load preferences for %s: %w", agentID, err)
	}
	for i := range prefs {
		if prefs[i].Key == key {
			prefs = append(prefs[:i], prefs[i+1:]...)
			return m.store.SavePreferences(agentID, prefs)
		}
	}
	return fmt.Errorf("preference %q not found for agent %s", key, agentID)
}

// BuildPreferenceContext renders an agent's preferences as a compact
// newline list for injection into a worker/oracle prompt.
func (m *Manager) BuildPreferenceContext(agentID string) (string, error) {
	prefs, err := m.List(agentID)
	if err != nil {
		return "", err
	}
	if len(prefs) == 0 {
		return "", nil
	}
	var b strings.Builder
	for _, p := range prefs {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", p.Category, p.Key, p.Value)
	}
	return b.String(), nil
}

// ExtractionInput carries buildExtractionPrompt's source material.
type ExtractionInput struct {
	UserMessage  string
	AgentMessage string
	Context      string
}

// extractionPromptTemplate mirrors the teacher's ExtractFactsPrompt
// shape, narrowed to this domain's single preferences array.
const extractionPromptTemplate = `Analyze the latest exchange between an operator and their worker agent and extract any durable operator preferences.

Return a JSON object of this exact shape:
{"preferences": [{"category": "...", "key": "...", "value": "...", "confidence": "assumed|inferred|explicit"}]}

Use "explicit" when the operator directly stated the preference, "inferred" when it follows from what they said or did, and "assumed" for a weak guess.

Context:
%s

Operator message:
%s

Agent message:
%s

Skip greetings, one-off requests, and anything already obvious from the task itself.
Respond ONLY with valid JSON, no other text. If there is nothing worth remembering, respond with {"preferences": []}.`

// BuildExtractionPrompt builds the prompt the Oracle is asked to
// extract new preferences from.
func (m *Manager) BuildExtractionPrompt(agentID string, in ExtractionInput) string {
	return fmt.Sprintf(extractionPromptTemplate, in.Context, in.UserMessage, in.AgentMessage)
}

type extractedPreference struct {
	Category   string `json:"category"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	Confidence string `json:"confidence"`
}

type extractionResponse struct {
	Preferences []extractedPreference `json:"preferences"`
}

// extractJSONObject finds the first balanced {...} object in text,
// tolerating surrounding prose and fenced code blocks — same
// fence-strip + brace-matching shape as the teacher's fact extractor.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	text = strings.Trim(text, "`")

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ParseAndStoreExtraction parses the Oracle's extraction response and
// upserts each preference found, returning how many were stored (a
// rejected lower-confidence upsert does not count).
func (m *Manager) ParseAndStoreExtraction(agentID, oracleResponse, source string) (int, error) {
	obj := extractJSONObject(oracleResponse)
	if obj == "" {
		return 0, nil
	}

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
		return 0, fmt.Errorf("parse extraction response: %w", err)
	}

	stored := 0
	for _, p := range parsed.Preferences {
		if p.Key == "" || p.Value == "" {
			continue
		}
		confidence := model.Confidence(p.Confidence)
		switch confidence {
		case model.ConfidenceAssumed, model.ConfidenceInferred, model.ConfidenceExplicit:
		default:
			confidence = model.ConfidenceAssumed
		}
		ok, err := m.AddPreference(agentID, p.Category, p.Key, p.Value, source, confidence)
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}
	return stored, nil
}
