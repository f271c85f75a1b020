package oracle

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/session"
	"github.com/workfarm/workfarm/internal/workerruntime"
)

// CLIOracle spawns a single-shot worker subprocess with tools disabled,
// streams its JSON events, accumulates assistant text (falling back to
// the terminal result text), and resolves once the subprocess closes.
// Grounded on the teacher's internal/agent/ai/cli_provider.go Stream().
type CLIOracle struct {
	runtime *workerruntime.Runtime
}

// NewCLIOracle builds a CLIOracle from the configured oracle command.
func NewCLIOracle(cmd config.WorkerCommandConfig) *CLIOracle {
	return &CLIOracle{runtime: workerruntime.New(cmd)}
}

// Complete implements Oracle.
func (o *CLIOracle) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	sessionID := uuid.New().String()

	workDir, err := os.MkdirTemp("", "workfarm-oracle-*")
	if err != nil {
		return "", fmt.Errorf("oracle scratch dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	events, err := o.runtime.Spawn(ctx, workerruntime.SpawnOptions{
		SessionID:            sessionID,
		WorkingDir:           workDir,
		SystemPromptAddendum: systemPrompt,
		Prompt:               prompt,
	})
	if err != nil {
		return "", fmt.Errorf("spawn oracle: %w", err)
	}

	var assistant strings.Builder
	var terminalResult string
	sawAssistant := false

	for evt := range events {
		if typ, _ := evt.Data["type"].(string); typ == "result" {
			if result, ok := evt.Data["result"].(string); ok {
				terminalResult = result
			}
			if subtype, _ := evt.Data["subtype"].(string); subtype == "error" {
				return "", fmt.Errorf("oracle subprocess failed: %s", terminalResult)
			}
			continue
		}
		msgs, _ := session.ParseEvent(evt.Data)
		for _, m := range msgs {
			if m.Type == "assistant" {
				assistant.WriteString(m.Content)
				sawAssistant = true
			}
		}
	}

	if sawAssistant {
		return assistant.String(), nil
	}
	return terminalResult, nil
}
