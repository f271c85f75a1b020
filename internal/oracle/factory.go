package oracle

import (
	"fmt"
	"os"

	"github.com/workfarm/workfarm/internal/config"
)

// New constructs the Oracle Runtime selected by cfg.OracleRuntime.
func New(cfg *config.Config) (Oracle, error) {
	switch cfg.OracleRuntime {
	case config.OracleRuntimeAnthropic:
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set for anthropic oracle runtime")
		}
		return NewAnthropicOracle(apiKey, cfg.AnthropicModel), nil
	case config.OracleRuntimeCLI, "":
		return NewCLIOracle(cfg.OracleCommand), nil
	default:
		return nil, fmt.Errorf("unknown oracle runtime %q", cfg.OracleRuntime)
	}
}
