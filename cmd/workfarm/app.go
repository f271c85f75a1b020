package main

import (
	"fmt"

	"github.com/workfarm/workfarm/internal/adversary"
	"github.com/workfarm/workfarm/internal/agentmgr"
	"github.com/workfarm/workfarm/internal/bridge"
	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/eventbus"
	"github.com/workfarm/workfarm/internal/goalmgr"
	"github.com/workfarm/workfarm/internal/observability"
	"github.com/workfarm/workfarm/internal/oracle"
	"github.com/workfarm/workfarm/internal/prefmgr"
	"github.com/workfarm/workfarm/internal/session"
	"github.com/workfarm/workfarm/internal/store"
	"github.com/workfarm/workfarm/internal/taskmgr"
	"github.com/workfarm/workfarm/internal/trigger"
	"github.com/workfarm/workfarm/internal/workerruntime"
)

// app holds every long-lived component the REPL commands drive, wired
// once at startup the way the teacher's chat.go wires a runner,
// registry, and orchestrator before dropping into its interactive loop.
type app struct {
	dataDir string
	cfg     *config.Config
	store   *store.Store
	bus     *eventbus.Bus

	agents *agentmgr.Manager
	tasks  *taskmgr.Manager
	goals  *goalmgr.Manager
	prefs  *prefmgr.Manager

	sessions *session.Manager
	bridge   *bridge.Bridge
	adv      *adversary.Adversary
	trigger  *trigger.Scheduler

	watcher *config.Watcher
}

func newApp(dataDir string) (*app, error) {
	cfg, err := config.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New()

	agents, err := agentmgr.New(st, bus)
	if err != nil {
		return nil, fmt.Errorf("agent manager: %w", err)
	}
	tasks, err := taskmgr.New(st, bus)
	if err != nil {
		return nil, fmt.Errorf("task manager: %w", err)
	}
	goals, err := goalmgr.New(st, bus)
	if err != nil {
		return nil, fmt.Errorf("goal manager: %w", err)
	}
	prefs := prefmgr.New(st)

	orc, err := oracle.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("oracle runtime: %w", err)
	}

	rt := workerruntime.New(cfg.WorkerCommand)
	sessions := session.NewManager(rt, bus)
	br := bridge.New(sessions, agents, tasks, goals, bus)
	adv := adversary.New(agents, tasks, goals, prefs, br, orc, bus)
	trig := trigger.New(goals, bus)
	observability.NewRecorder(st, goals, tasks, bus)

	watcher, err := config.WatchConfig(dataDir, bus)
	if err != nil {
		// Hot-reload is a convenience, not load-bearing; keep running
		// without it rather than fail startup.
		watcher = nil
	}

	return &app{
		dataDir:  dataDir,
		cfg:      cfg,
		store:    st,
		bus:      bus,
		agents:   agents,
		tasks:    tasks,
		goals:    goals,
		prefs:    prefs,
		sessions: sessions,
		bridge:   br,
		adv:      adv,
		trigger:  trig,
		watcher:  watcher,
	}, nil
}

// Start brings up the TriggerScheduler, driving the Adversary as its
// Waker.
func (a *app) Start() {
	a.trigger.Start(a.adv)
}

// Close tears down background resources; store mutations are already
// synchronous per-call so there is nothing to flush.
func (a *app) Close() {
	a.trigger.Stop()
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	_ = a.store.Close()
}
