// Package workerruntime spawns, streams, resumes, and kills worker
// subprocesses over the line-delimited JSON protocol of spec.md §4.3 and
// §6. Generalized from the teacher's internal/agent/ai/cli_provider.go
// Stream() loop, adding the generation-per-session-id supersession tag
// spec §4.3/§9 requires: each spawn records a generation, and the
// stream loop bails out as soon as it observes its generation is stale
// so events from a superseded process are never delivered.
package workerruntime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/logging"
)

// RawEvent is one event line (or synthesized fallback) from a worker's
// stdout, tagged with the session it belongs to.
type RawEvent struct {
	SessionID string
	Data      map[string]any
}

// SpawnOptions configures one worker subprocess invocation.
type SpawnOptions struct {
	SessionID            string
	WorkingDir           string
	SystemPromptAddendum string
	AllowedTools         []string
	MaxTurns             int
	Prompt               string
	Resume               bool
	AdditionalDirs       []string
}

// Runtime manages the live set of worker subprocesses, one per session
// id, each tagged with a monotonically increasing generation.
type Runtime struct {
	cmd  config.WorkerCommandConfig
	mu   sync.Mutex
	gens map[string]int64
}

// New creates a Runtime that spawns cmd.Command with cmd.Args as the
// fixed prefix for every invocation.
func New(cmd config.WorkerCommandConfig) *Runtime {
	return &Runtime{cmd: cmd, gens: make(map[string]int64)}
}

func (r *Runtime) nextGeneration(sessionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[sessionID]++
	return r.gens[sessionID]
}

func (r *Runtime) currentGeneration(sessionID string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[sessionID]
}

func (r *Runtime) buildArgs(opts SpawnOptions) []string {
	args := append([]string(nil), r.cmd.Args...)

	if opts.Resume {
		args = append(args, "--resume", opts.SessionID)
	} else {
		args = append(args, "--session-id", opts.SessionID)
	}
	if opts.SystemPromptAddendum != "" {
		args = append(args, "--append-system-prompt", opts.SystemPromptAddendum)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	for _, dir := range opts.AdditionalDirs {
		args = append(args, "--add-dir", dir)
	}
	// Terminator so the prompt is never interpreted as a flag.
	args = append(args, "--", opts.Prompt)
	return args
}

// Spawn starts (or resumes, per opts.Resume) a worker subprocess and
// streams its parsed events on the returned channel, which is closed
// once the process exits and its terminal event has been delivered.
// If a prior process for the same session id is still running, callers
// must call Kill first; Spawn itself only tags a fresh generation.
func (r *Runtime) Spawn(ctx context.Context, opts SpawnOptions) (<-chan RawEvent, error) {
	generation := r.nextGeneration(opts.SessionID)
	args := r.buildArgs(opts)

	cmd := exec.CommandContext(ctx, r.cmd.Command, args...)
	cmd.Dir = opts.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	out := make(chan RawEvent, 64)
	var wg sync.WaitGroup
	wg.Add(2)

	emit := func(data map[string]any) {
		if r.currentGeneration(opts.SessionID) != generation {
			return // superseded: drop silently, per spec §4.3/§9
		}
		out <- RawEvent{SessionID: opts.SessionID, Data: data}
	}

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) == "" {
				continue
			}
			var data map[string]any
			if err := json.Unmarshal([]byte(line), &data); err != nil {
				emit(map[string]any{"type": "system", "content": line})
				continue
			}
			emit(data)
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			emit(map[string]any{"type": "system", "subtype": "stderr", "content": scanner.Text()})
		}
	}()

	go func() {
		wg.Wait()
		err := cmd.Wait()
		subtype := "close"
		exitCode := 0
		if err != nil {
			subtype = "error"
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
			logging.Warnf("worker session %s exited with error: %v", opts.SessionID, err)
		}
		emit(map[string]any{"type": "result", "subtype": subtype, "exitCode": exitCode})
		close(out)
	}()

	return out, nil
}

// Kill bumps sessionID's generation so any in-flight stream loop stops
// delivering; it does not terminate the subprocess. Killing the OS
// process via ctx cancellation is the caller's
// responsibility (Spawn is called with a cancellable context per
// session). Kill here only advances the generation counter so a
// subsequent Spawn (resume) is recognized as superseding it.
func (r *Runtime) Kill(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[sessionID]++
}
