package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/workfarm/workfarm/internal/bridge"
	"github.com/workfarm/workfarm/internal/config"
	"github.com/workfarm/workfarm/internal/model"
	"github.com/workfarm/workfarm/internal/store"
)

// commandFunc handles one REPL command's already-tokenized arguments
// (the command word itself stripped off).
type commandFunc func(a *app, args []string)

// commands maps each spec §6 control-surface verb to its handler.
// `quit`/`exit` are handled directly by repl() since they need to break
// the read loop, not just print.
var commands = map[string]commandFunc{
	"hire":       cmdHire,
	"fire":       cmdFire,
	"agents":     cmdAgents,
	"tasks":      cmdTasks,
	"goals":      cmdGoals,
	"plan":       cmdPlan,
	"prefs":      cmdPrefs,
	"assign":     cmdAssign,
	"goal":       cmdGoal,
	"constrain":  cmdConstrain,
	"chdir":      cmdChdir,
	"wake":       cmdWake,
	"pause":      cmdPause,
	"reply":      cmdReply,
	"talk":       cmdTalk,
	"approve":    cmdApprove,
	"deny":       cmdDeny,
	"schedule":   cmdSchedule,
	"unschedule": cmdUnschedule,
	"prompt":     cmdPrompt,
	"forget":     cmdForget,
	"workspace":  cmdWorkspace,
	"log":        cmdLog,
}

func errf(format string, v ...any) { fmt.Printf("error: "+format+"\n", v...) }

// resolveAgent accepts either an agent name or its ID, the way the
// teacher's CLI commands accept either a session key or its ID.
func resolveAgent(a *app, token string) (model.Agent, bool) {
	if ag, ok := a.agents.GetByName(token); ok {
		return ag, true
	}
	return a.agents.Get(token)
}

// activeGoal returns the most recently created active or paused goal
// for an agent — the REPL's notion of "the" goal a per-agent command
// like constrain/chdir/wake/pause/reply addresses.
func activeGoal(a *app, agentID string) (model.AgentGoal, bool) {
	goals := a.goals.ListGoalsForAgent(agentID)
	for i := len(goals) - 1; i >= 0; i-- {
		if goals[i].Status == model.GoalActive || goals[i].Status == model.GoalPaused {
			return goals[i], true
		}
	}
	return model.AgentGoal{}, false
}

func cmdHire(a *app, args []string) {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	agent, err := a.agents.Hire(name)
	if err != nil {
		errf("hire: %v", err)
		return
	}
	fmt.Printf("hired %s (%s)\n", agent.Name, agent.ID)
}

func cmdFire(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: fire <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	if err := a.agents.Fire(agent.ID); err != nil {
		errf("fire: %v", err)
		return
	}
	a.goals.DeleteGoalsForAgent(agent.ID)
	a.goals.DeleteTriggersForAgent(agent.ID)
	a.tasks.DeleteForAgent(agent.ID)
	fmt.Printf("fired %s\n", agent.Name)
}

func cmdAgents(a *app, args []string) {
	list := a.agents.List()
	if len(list) == 0 {
		fmt.Println("no agents hired.")
		return
	}
	for _, ag := range list {
		fmt.Printf("%s  %-12s %-8s tasks=%d tokens=%d\n", ag.ID, ag.Name, ag.State, ag.TasksCompleted, ag.TokensUsed)
	}
}

func cmdTasks(a *app, args []string) {
	list := a.tasks.List()
	if len(list) == 0 {
		fmt.Println("no tasks.")
		return
	}
	for _, t := range list {
		fmt.Printf("%s  %-11s %s\n", t.ID, t.Status, t.Description)
	}
}

func cmdGoals(a *app, args []string) {
	var list []model.AgentGoal
	if len(args) > 0 {
		agent, ok := resolveAgent(a, args[0])
		if !ok {
			errf("no such agent %q", args[0])
			return
		}
		list = a.goals.ListGoalsForAgent(agent.ID)
	} else {
		list = a.goals.ListGoals()
	}
	if len(list) == 0 {
		fmt.Println("no goals.")
		return
	}
	for _, g := range list {
		fmt.Printf("%s  %-9s %s (dir=%s)\n", g.ID, g.Status, g.Description, g.WorkingDirectory)
	}
}

func cmdPlan(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: plan <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		fmt.Println("no active goal.")
		return
	}
	plan, ok := a.goals.GetPlan(goal.ID)
	if !ok {
		fmt.Println("no plan yet.")
		return
	}
	fmt.Printf("plan v%d for %q:\n", plan.Version, goal.Description)
	for _, s := range plan.Steps {
		marker := " "
		if s.Status == model.StepBlocked {
			marker = "?"
		}
		fmt.Printf("  %s [%d] %-11s %s\n", marker, s.Order, s.Status, s.Description)
		if s.Question != "" {
			fmt.Printf("      question: %s\n", s.Question)
		}
	}
}

func cmdPrefs(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: prefs <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	prefs, err := a.prefs.List(agent.ID)
	if err != nil {
		errf("prefs: %v", err)
		return
	}
	if len(prefs) == 0 {
		fmt.Println("no preferences recorded.")
		return
	}
	for _, p := range prefs {
		fmt.Printf("[%s] %s: %s (%s, used %d)\n", p.Category, p.Key, p.Value, p.Confidence, p.UsedCount)
	}
}

func cmdAssign(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: assign <agent> <task description>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	description := strings.Join(args[1:], " ")
	task := a.tasks.Create(description, agent.ID)

	workDir := "."
	if goal, ok := activeGoal(a, agent.ID); ok && goal.WorkingDirectory != "" {
		workDir = goal.WorkingDirectory
	}

	sessionID, err := a.bridge.DispatchWorker(agent.ID, task.ID, bridge.DispatchOptions{
		MaxTurns:   a.cfg.MaxTurnsPerStep,
		WorkingDir: workDir,
		Prompt:     description,
	})
	if err != nil {
		errf("assign: %v", err)
		return
	}
	fmt.Printf("assigned task %s to %s (session %s)\n", task.ID, agent.Name, sessionID)
}

func cmdGoal(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: goal <agent> [--dir <path>] <description>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}

	rest := args[1:]
	dir := ""
	if len(rest) >= 2 && rest[0] == "--dir" {
		dir = rest[1]
		rest = rest[2:]
	}
	if len(rest) == 0 {
		errf("usage: goal <agent> [--dir <path>] <description>")
		return
	}
	description := strings.Join(rest, " ")
	if dir == "" {
		dir = "."
	}

	goal := a.goals.CreateGoal(agent.ID, description, dir, a.cfg.WorkspaceRoots, nil, a.cfg.MaxTurnsPerStep)
	fmt.Printf("created goal %s for %s\n", goal.ID, agent.Name)
	a.adv.Wake(goal.ID)
}

func cmdConstrain(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: constrain <agent> <text>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		errf("%s has no active goal", agent.Name)
		return
	}
	text := strings.Join(args[1:], " ")
	if err := a.goals.SetConstraints(goal.ID, append(goal.Constraints, text)); err != nil {
		errf("constrain: %v", err)
		return
	}
	fmt.Println("constraint added.")
}

func cmdChdir(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: chdir <agent> <path>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		errf("%s has no active goal", agent.Name)
		return
	}
	if err := a.goals.SetWorkingDirectory(goal.ID, args[1]); err != nil {
		errf("chdir: %v", err)
		return
	}
	fmt.Println("working directory updated.")
}

func cmdWake(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: wake <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		errf("%s has no active goal", agent.Name)
		return
	}
	if goal.Status == model.GoalPaused {
		if err := a.goals.SetGoalStatus(goal.ID, model.GoalActive); err != nil {
			errf("wake: %v", err)
			return
		}
	}
	a.adv.Wake(goal.ID)
	fmt.Println("woke goal.")
}

func cmdPause(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: pause <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		errf("%s has no active goal", agent.Name)
		return
	}
	if err := a.adv.Pause(goal.ID); err != nil {
		errf("pause: %v", err)
		return
	}
	fmt.Println("paused goal.")
}

func cmdReply(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: reply <agent> <answer>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		errf("%s has no active goal", agent.Name)
		return
	}
	answer := strings.Join(args[1:], " ")
	if err := a.adv.Reply(goal.ID, answer); err != nil {
		errf("reply: %v", err)
		return
	}
	fmt.Println("reply recorded.")
}

func cmdTalk(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: talk <agent> <message>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	message := strings.Join(args[1:], " ")
	reply, err := a.adv.Talk(agent.ID, message, "")
	if err != nil {
		errf("talk: %v", err)
		return
	}
	fmt.Println(reply)
}

func cmdApprove(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: approve <agent> <tool>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	if err := a.bridge.ApproveToolPermission(agent.ID, args[1]); err != nil {
		errf("approve: %v", err)
		return
	}
	fmt.Println("approved.")
}

func cmdDeny(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: deny <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	if err := a.bridge.DenyToolPermission(agent.ID); err != nil {
		errf("deny: %v", err)
		return
	}
	fmt.Println("denied.")
}

func cmdSchedule(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: schedule <agent> <minutes>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	minutes, err := strconv.Atoi(args[1])
	if err != nil || minutes <= 0 {
		errf("minutes must be a positive integer")
		return
	}
	goal, ok := activeGoal(a, agent.ID)
	if !ok {
		errf("%s has no active goal", agent.Name)
		return
	}
	trig := a.trigger.AddTrigger(agent.ID, goal.ID, model.TriggerInterval, int64(minutes)*60_000, fmt.Sprintf("every %dm", minutes))
	fmt.Printf("scheduled trigger %s (every %dm)\n", trig.ID, minutes)
}

func cmdUnschedule(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: unschedule <agent>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	removed := 0
	for _, t := range a.goals.ListTriggers() {
		if t.AgentID != agent.ID || t.Type != model.TriggerInterval {
			continue
		}
		if err := a.trigger.RemoveTrigger(t.ID); err != nil {
			errf("unschedule: %v", err)
			continue
		}
		removed++
	}
	fmt.Printf("removed %d trigger(s).\n", removed)
}

func cmdPrompt(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: prompt <agent> <text>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	text := strings.Join(args[1:], " ")
	if err := a.agents.SetSystemPrompt(agent.ID, &text); err != nil {
		errf("prompt: %v", err)
		return
	}
	fmt.Println("system prompt set.")
}

func cmdForget(a *app, args []string) {
	if len(args) < 2 {
		errf("usage: forget <agent> <key>")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	if err := a.prefs.Forget(agent.ID, args[1]); err != nil {
		errf("forget: %v", err)
		return
	}
	fmt.Println("forgotten.")
}

func cmdWorkspace(a *app, args []string) {
	if len(args) == 0 {
		args = []string{"list"}
	}
	switch args[0] {
	case "list":
		if len(a.cfg.WorkspaceRoots) == 0 {
			fmt.Println("no workspace roots configured.")
			return
		}
		for _, r := range a.cfg.WorkspaceRoots {
			fmt.Println(r)
		}
	case "add":
		if len(args) < 2 {
			errf("usage: workspace add <path>")
			return
		}
		a.cfg.WorkspaceRoots = append(a.cfg.WorkspaceRoots, args[1])
		if err := config.Save(a.dataDir, a.cfg); err != nil {
			errf("workspace: %v", err)
			return
		}
		fmt.Println("workspace root added.")
	case "remove":
		if len(args) < 2 {
			errf("usage: workspace remove <path>")
			return
		}
		out := a.cfg.WorkspaceRoots[:0]
		for _, r := range a.cfg.WorkspaceRoots {
			if r != args[1] {
				out = append(out, r)
			}
		}
		a.cfg.WorkspaceRoots = out
		if err := config.Save(a.dataDir, a.cfg); err != nil {
			errf("workspace: %v", err)
			return
		}
		fmt.Println("workspace root removed.")
	default:
		errf("usage: workspace [add|remove|list] [path]")
	}
}

func cmdLog(a *app, args []string) {
	if len(args) < 1 {
		errf("usage: log <agent> [n]")
		return
	}
	agent, ok := resolveAgent(a, args[0])
	if !ok {
		errf("no such agent %q", args[0])
		return
	}
	n := 20
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil && v > 0 {
			n = v
		}
	}
	events, err := a.store.ReadLogs(agent.ID, store.LogRange{})
	if err != nil {
		errf("log: %v", err)
		return
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	if len(events) == 0 {
		fmt.Println("no observability events recorded.")
		return
	}
	for _, e := range events {
		fmt.Printf("%s  %s\n", e.At.Format("15:04:05"), e.Event)
	}
}
