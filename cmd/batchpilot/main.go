package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mkurosawa/batchpilot/internal/daemon"
	"github.com/mkurosawa/batchpilot/internal/model"
	"github.com/mkurosawa/batchpilot/internal/resolve"
	"github.com/mkurosawa/batchpilot/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "start":
		runControl(uds.CmdStart, "batch started")
	case "pause":
		runControl(uds.CmdPause, "batch paused")
	case "resume":
		runControl(uds.CmdResume, "batch resumed")
	case "stop":
		runControl(uds.CmdStop, "batch stopped")
	case "retry":
		runRetry()
	case "status":
		runStatus(os.Args[2:])
	case "down":
		runControl(uds.CmdShutdown, "daemon shutting down")
	case "version":
		fmt.Printf("batchpilot %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	target := "."
	if len(args) > 0 {
		target = args[0]
	}
	pilotDir := filepath.Join(target, ".batchpilot")

	for _, sub := range []string{"", "logs", "locks", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(pilotDir, sub), 0755); err != nil {
			fatalf("setup: %v", err)
		}
	}

	configPath := filepath.Join(pilotDir, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := model.DefaultConfig()
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			fatalf("setup: encode config: %v", err)
		}
		if err := os.WriteFile(configPath, data, 0644); err != nil {
			fatalf("setup: write config: %v", err)
		}
	}

	hintsPath := filepath.Join(pilotDir, "hints.yaml")
	if _, err := os.Stat(hintsPath); os.IsNotExist(err) {
		if err := resolve.SaveTable(hintsPath, resolve.DefaultTable()); err != nil {
			fatalf("setup: %v", err)
		}
	}

	fmt.Printf("initialized %s\n", pilotDir)
}

func runDaemon(_ []string) {
	pilotDir := mustPilotDir()

	cfg, err := model.LoadConfig(filepath.Join(pilotDir, "config.yaml"))
	if err != nil {
		fatalf("load config: %v", err)
	}

	d, err := daemon.New(pilotDir, cfg)
	if err != nil {
		fatalf("create daemon: %v", err)
	}
	if err := d.Run(); err != nil {
		fatalf("daemon: %v", err)
	}
}

func runQueue(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: batchpilot queue <add|remove|reorder> [args]")
		os.Exit(1)
	}
	switch args[0] {
	case "add":
		params := map[string]string{}
		if len(args) > 1 {
			params["job_id"] = args[1]
		}
		data := send(uds.CmdQueueAdd, params)
		var out map[string]string
		_ = json.Unmarshal(data, &out)
		fmt.Printf("queued %s\n", out["job_id"])
	case "remove":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: batchpilot queue remove <job-id>")
			os.Exit(1)
		}
		send(uds.CmdQueueRemove, map[string]string{"job_id": args[1]})
		fmt.Printf("removed %s\n", args[1])
	case "reorder":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: batchpilot queue reorder <job-id> [job-id...]")
			os.Exit(1)
		}
		send(uds.CmdQueueReorder, map[string][]string{"order": args[1:]})
		fmt.Println("queue reordered")
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func runControl(command, okMessage string) {
	send(command, nil)
	fmt.Println(okMessage)
}

func runRetry() {
	data := send(uds.CmdRetryFailed, nil)
	var out map[string]int
	_ = json.Unmarshal(data, &out)
	fmt.Printf("retrying %d failed job(s)\n", out["retried"])
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: batchpilot status [--json]\n", a)
			os.Exit(1)
		}
	}

	data := send(uds.CmdStatus, nil)
	if jsonOutput {
		fmt.Println(string(data))
		return
	}

	var status daemon.StatusData
	if err := json.Unmarshal(data, &status); err != nil {
		fatalf("decode status: %v", err)
	}
	printStatus(status)
}

func printStatus(s daemon.StatusData) {
	q := s.Queue
	fmt.Printf("state: %s (running=%v paused=%v)\n", q.State, s.Running, s.Paused)
	if q.RunID != "" {
		fmt.Printf("run: %s\n", q.RunID)
	}
	if q.WaitingUntil != nil {
		fmt.Printf("cooling down until %s\n", *q.WaitingUntil)
	}
	if q.Len() == 0 {
		fmt.Println("queue is empty")
		return
	}

	fmt.Printf("%-28s %-10s %s\n", "JOB", "STATE", "DETAIL")
	for i, st := range q.JobStatuses {
		detail := ""
		switch {
		case st.LastError != nil:
			detail = *st.LastError
		case st.CompletedAt != nil:
			detail = "done " + *st.CompletedAt
		case st.StartedAt != nil:
			detail = "since " + *st.StartedAt
		default:
			// The id embeds its creation time; show when the job was queued.
			if ts, err := model.ParseIDTimestamp(st.JobID); err == nil {
				detail = "queued " + ts.UTC().Format(time.RFC3339)
			}
		}
		marker := " "
		if i == q.CurrentIndex {
			marker = ">"
		}
		fmt.Printf("%s%-27s %-10s %s\n", marker, st.JobID, st.State, detail)
	}
}

// send issues one control command and exits the process on any failure.
func send(command string, params any) json.RawMessage {
	pilotDir := mustPilotDir()

	cfg, err := model.LoadConfig(filepath.Join(pilotDir, "config.yaml"))
	if err != nil {
		fatalf("load config: %v", err)
	}

	client := uds.NewClient(filepath.Join(pilotDir, cfg.Daemon.SocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		fatalf("%v", err)
	}
	if !resp.Success {
		fatalf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Data
}

// mustPilotDir walks up from the working directory looking for .batchpilot/.
func mustPilotDir() string {
	dir, err := os.Getwd()
	if err != nil {
		fatalf("getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, ".batchpilot")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fatalf(".batchpilot/ directory not found. Run 'batchpilot setup <dir>' first.")
		}
		dir = parent
	}
}

func fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, "error: "+strings.TrimSpace(msg))
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `batchpilot %s - batch automation pilot for the studio extension

Usage: batchpilot <command> [options]

Setup:
  setup [dir]       Initialize .batchpilot/ directory
  daemon            Run the daemon process
  down              Ask the daemon to shut down

Queue:
  queue add [job-id]            Queue a job (id generated when omitted)
  queue remove <job-id>         Remove a job and its status
  queue reorder <id> [id...]    Replace the execution order

Run control:
  start             Start or restart the batch
  pause             Pause, keeping the current position
  resume            Resume from the paused position
  stop              Stop and discard the position
  retry             Re-queue failed jobs and start
  status [--json]   Show queue and run state

  version           Show version
  help              Show this help

`, version)
}
