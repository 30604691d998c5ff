// Command hive is the operator CLI for the agent orchestrator: workspace
// init, the manager daemon, story assignment, and the session mailbox.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"hive/pkg/cluster"
	"hive/pkg/codehost"
	"hive/pkg/config"
	"hive/pkg/connector"
	"hive/pkg/lock"
	"hive/pkg/manager"
	"hive/pkg/messaging"
	"hive/pkg/persistence"
	"hive/pkg/scheduler"
	"hive/pkg/session"
	"hive/pkg/utils"
	"hive/pkg/worktree"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	if err := config.Load(workspaceDir()); err != nil {
		fatal("%v", err)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit()
	case "manager":
		err = cmdManager(os.Args[2:])
	case "status":
		err = cmdStatus()
	case "stories":
		err = cmdStories(os.Args[2:])
	case "msg":
		err = cmdMsg(os.Args[2:])
	case "pr":
		err = cmdPR()
	case "events":
		err = cmdEvents()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal("%v", err)
	}
}

func printUsage() {
	fmt.Print(`hive: multi-agent development orchestrator

Usage:
  hive init                          create the workspace directory
  hive manager start|check|status|stop
  hive status                        teams, agents, and story pipeline
  hive stories [assign]              list planned stories / run assignment
  hive stories add <team> <title> [complexity]
  hive msg send <from> <to> <body>   session mailbox
  hive msg inbox <session> [--all]
  hive msg read <id>
  hive msg reply <id> <text>
  hive msg outbox <session>
  hive pr                            local merge queue
  hive events                        recent event log
`)
}

func workspaceDir() string {
	if dir := os.Getenv("HIVE_DIR"); dir != "" {
		return dir
	}
	return config.WorkspaceDirName
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, colorize("31", "error: ")+format+"\n", args...)
	os.Exit(1)
}

// colorize wraps text in an ANSI color when stdout is a terminal.
func colorize(code, text string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return text
	}
	return "\033[" + code + "m" + text + "\033[0m"
}

func openStore() (*persistence.Store, error) {
	return persistence.Open(config.DatabasePath())
}

func cmdInit() error {
	dir := workspaceDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := config.Load(dir); err != nil {
		return err
	}
	if err := config.Save(); err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	fmt.Printf("initialized workspace in %s\n", dir)
	return nil
}

func buildManager(store *persistence.Store) *manager.Manager {
	driver := session.NewTmuxDriver(config.WorkspaceDir())
	worktrees := worktree.NewManager(filepath.Join(config.WorkspaceDir(), "repos"))
	sched := scheduler.New(store, driver, worktrees)
	msgs := messaging.NewService(store)
	return manager.New(store, driver, sched, codehost.NewGHGateway(),
		connector.NewNoOp(), msgs, cluster.NewSingleNode())
}

func cmdManager(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive manager start|check|status|stop")
	}

	switch args[0] {
	case "start":
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		return buildManager(store).Run(context.Background())

	case "check":
		store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		buildManager(store).Check(context.Background())
		return nil

	case "status":
		info, err := lock.New(config.LockPath()).Read()
		if os.IsNotExist(err) {
			fmt.Println("manager: not running")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("manager: running (pid %d on %s since %s)\n",
			info.PID, info.Hostname, info.AcquiredAt.Format("2006-01-02 15:04:05"))
		return nil

	case "stop":
		info, err := lock.New(config.LockPath()).Read()
		if os.IsNotExist(err) {
			fmt.Println("manager: not running")
			return nil
		}
		if err != nil {
			return err
		}
		proc, err := os.FindProcess(info.PID)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal pid %d: %w", info.PID, err)
		}
		fmt.Printf("sent SIGTERM to pid %d\n", info.PID)
		return nil

	default:
		return fmt.Errorf("unknown manager subcommand %q", args[0])
	}
}

func cmdStatus() error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	teams, err := store.ListTeams()
	if err != nil {
		return err
	}
	agents, err := store.ListActiveAgents()
	if err != nil {
		return err
	}
	stories, err := store.ListAllStories()
	if err != nil {
		return err
	}

	fmt.Printf("%s %d team(s), %d active agent(s), %d story(ies)\n",
		colorize("1", "hive:"), len(teams), len(agents), len(stories))

	byStatus := map[string]int{}
	for _, story := range stories {
		byStatus[story.Status]++
	}
	for _, status := range []string{
		persistence.StoryDraft, persistence.StoryEstimated, persistence.StoryPlanned,
		persistence.StoryInProgress, persistence.StoryReview, persistence.StoryQA,
		persistence.StoryQAFailed, persistence.StoryPRSubmitted, persistence.StoryMerged,
	} {
		if byStatus[status] > 0 {
			fmt.Printf("  %-14s %d\n", status, byStatus[status])
		}
	}

	for _, agent := range agents {
		name := "-"
		if agent.SessionName != nil {
			name = *agent.SessionName
		}
		fmt.Printf("  %-14s %-28s %s\n", agent.Type, name, agent.Status)
	}
	return nil
}

func cmdStories(args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if len(args) > 0 && args[0] == "add" {
		if len(args) < 3 {
			return fmt.Errorf("usage: hive stories add <team> <title> [complexity]")
		}
		team, err := store.GetTeamByName(args[1])
		if err != nil {
			return fmt.Errorf("unknown team %q: %w", args[1], err)
		}
		complexity := 3
		if len(args) > 3 {
			complexity, err = strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("complexity must be a number: %w", err)
			}
		}
		id, err := utils.NewShortID()
		if err != nil {
			return err
		}
		story := &persistence.Story{
			ID: id, TeamID: &team.ID, Title: args[2],
			Status: persistence.StoryPlanned, ComplexityScore: complexity,
		}
		if err := store.CreateStory(story); err != nil {
			return err
		}
		fmt.Printf("created story %s for team %s\n", story.ID, team.Name)
		return nil
	}

	if len(args) > 0 && args[0] == "assign" {
		driver := session.NewTmuxDriver(config.WorkspaceDir())
		worktrees := worktree.NewManager(filepath.Join(config.WorkspaceDir(), "repos"))
		sched := scheduler.New(store, driver, worktrees)

		result, err := sched.AssignStories(context.Background())
		if err != nil {
			return err
		}
		if result.CycleDetected {
			return fmt.Errorf("story dependency graph has a cycle; fix it and retry")
		}
		fmt.Printf("assigned %d, duplicates prevented %d, waiting on dependencies %d\n",
			result.Assigned, result.PreventedDuplicates, result.SkippedUnsatisfied)
		return nil
	}

	stories, err := store.ListAllStories()
	if err != nil {
		return err
	}
	for _, story := range stories {
		assignee := "-"
		if story.AssignedAgentID != nil {
			assignee = *story.AssignedAgentID
		}
		fmt.Printf("%s  %-12s  c=%-2d  %-36s  %s\n",
			story.ID, story.Status, story.ComplexityScore, truncate(story.Title, 36), assignee)
	}
	return nil
}

func cmdMsg(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: hive msg send|inbox|read|reply|outbox ...")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	svc := messaging.NewService(store)

	switch args[0] {
	case "send":
		if len(args) < 4 {
			return fmt.Errorf("usage: hive msg send <from> <to> <body>")
		}
		msg, err := svc.Send(args[1], args[2], strings.Join(args[3:], " "), nil)
		if err != nil {
			return err
		}
		fmt.Printf("sent %s\n", msg.ID)
		return nil

	case "inbox":
		if len(args) < 2 {
			return fmt.Errorf("usage: hive msg inbox <session> [--all]")
		}
		includeRead := len(args) > 2 && args[2] == "--all"
		msgs, err := svc.Inbox(args[1], includeRead)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			fmt.Printf("%s  [%s]  from %s: %s\n", msg.ID, msg.Status, msg.FromSession, msg.Body)
		}
		return nil

	case "read":
		if len(args) < 2 {
			return fmt.Errorf("usage: hive msg read <id>")
		}
		return svc.Read(args[1])

	case "reply":
		if len(args) < 3 {
			return fmt.Errorf("usage: hive msg reply <id> <text>")
		}
		return svc.Reply(args[1], strings.Join(args[2:], " "))

	case "outbox":
		if len(args) < 2 {
			return fmt.Errorf("usage: hive msg outbox <session>")
		}
		msgs, err := store.ListMessagesFrom(args[1])
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			reply := ""
			if msg.Reply != nil {
				reply = " ← " + *msg.Reply
			}
			fmt.Printf("%s  [%s]  to %s: %s%s\n", msg.ID, msg.Status, msg.ToSession, msg.Body, reply)
		}
		return nil

	default:
		return fmt.Errorf("unknown msg subcommand %q", args[0])
	}
}

func cmdPR() error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	prs, err := store.ListPullRequestsByStatus(
		persistence.PRQueued, persistence.PRReviewing, persistence.PRApproved, persistence.PRRejected)
	if err != nil {
		return err
	}
	if len(prs) == 0 {
		fmt.Println("merge queue is empty")
		return nil
	}
	for _, pr := range prs {
		number := "-"
		switch {
		case pr.CodeHostPRNumber != nil:
			number = fmt.Sprintf("#%d", *pr.CodeHostPRNumber)
		case pr.CodeHostPRURL != nil:
			// Rows from before the number backfill still carry the URL.
			if n, ok := codehost.ParsePRNumber(*pr.CodeHostPRURL); ok {
				number = fmt.Sprintf("#%d", n)
			}
		}
		fmt.Printf("%-5s  %-10s  %-40s  by %s\n", number, pr.Status, pr.BranchName, pr.SubmittedBy)
	}
	return nil
}

func cmdEvents() error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	entries, err := store.ListRecentEvents(50)
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		msg := ""
		if e.Message != nil {
			msg = *e.Message
		}
		fmt.Printf("%s  %-30s  %s\n", e.CreatedAt.Format("15:04:05"), e.EventType, msg)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
