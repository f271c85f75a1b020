// Command workfarm is the control-surface REPL of spec.md §6: it wires
// every manager, the Bridge, the Adversary, and the TriggerScheduler
// together, then reads commands from stdin until `quit`/`exit`.
// Grounded on the teacher's cmd/nebo main-entry shape (.env load, data
// dir resolution, cobra root command dispatching into a run function).
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/logging"
)

var dataDirFlag string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "workfarm",
		Short: "workfarm - a multi-agent task-orchestration engine",
		Long: `workfarm hires agents, assigns them goals, and drives a
Recon -> Plan -> Execute -> Evaluate -> Refine loop against a worker
subprocess on the operator's behalf. Run with no subcommand to enter
the control-surface REPL.`,
		Run: func(cmd *cobra.Command, args []string) {
			runRepl()
		},
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "persisted state root (default: platform data directory, override with WORKFARM_DATA_DIR)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "workfarm: %v\n", err)
		os.Exit(1)
	}
}

func runRepl() {
	dataDir := dataDirFlag
	if dataDir == "" {
		dir, err := config.EnsureDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "workfarm: resolve data dir: %v\n", err)
			os.Exit(1)
		}
		dataDir = dir
	} else if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "workfarm: create data dir %s: %v\n", dataDir, err)
		os.Exit(1)
	}

	logging.Disable()

	app, err := newApp(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "workfarm: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	app.Start()
	repl(app)
}
