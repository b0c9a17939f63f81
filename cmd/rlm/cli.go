// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config  string `help:"Config file path (default ./rlm.toml)" type:"path"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`

	Run      RunCmd      `cmd:"" help:"Start a task and drive it until it completes or blocks"`
	Resume   ResumeCmd   `cmd:"" help:"Continue the task held in the focus record"`
	Status   StatusCmd   `cmd:"" help:"Show the focus record"`
	Override OverrideCmd `cmd:"" help:"Reset the retry count of a blocked step"`
	Revise   ReviseCmd   `cmd:"" help:"Replace the remaining plan"`
	Abandon  AbandonCmd  `cmd:"" help:"Request cancellation of the active task"`
	Reset    ResetCmd    `cmd:"" help:"Clear the focus record back to idle"`
	Index    IndexCmd    `cmd:"" help:"Add files to the knowledge index"`
	History  HistoryCmd  `cmd:"" help:"List archived tasks or show one"`
	Serve    ServeCmd    `cmd:"" help:"Advance the focus record on a schedule and serve metrics"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd starts a new task.
type RunCmd struct {
	Directive string   `arg:"" help:"What the task should achieve"`
	Step      []string `short:"s" help:"Plan step (repeatable); skips model planning"`
	Once      bool     `help:"Run a single iteration and exit"`
}

// ResumeCmd continues the current task.
type ResumeCmd struct {
	Once bool `help:"Run a single iteration and exit"`
}

// StatusCmd prints the focus record.
type StatusCmd struct{}

// OverrideCmd resets a step's retry count.
type OverrideCmd struct {
	Step int `arg:"" help:"1-based step number"`
}

// ReviseCmd replaces the plan.
type ReviseCmd struct {
	Step []string `short:"s" required:"" help:"Plan step (repeatable)"`
}

// AbandonCmd sets the cancel flag.
type AbandonCmd struct {
	Now bool `help:"Abandon and archive immediately instead of at the next iteration"`
}

// ResetCmd clears the focus record.
type ResetCmd struct {
	Force bool `short:"f" help:"Reset even when the task has not terminated"`
}

// IndexCmd adds files or directories to the persistent knowledge index.
type IndexCmd struct {
	Paths []string `arg:"" type:"path" help:"Files or directories to index"`
}

// HistoryCmd shows archived tasks.
type HistoryCmd struct {
	Task  string `arg:"" optional:"" help:"Task id to show in full"`
	Limit int    `short:"n" default:"20" help:"Number of tasks to list"`
}

// ServeCmd runs the heartbeat.
type ServeCmd struct {
	Schedule string `help:"Cron schedule (overrides [schedule].cron)"`
	Metrics  string `help:"Metrics listen address (overrides [metrics].addr)"`
	Now      bool   `help:"Fire one iteration immediately on start"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
