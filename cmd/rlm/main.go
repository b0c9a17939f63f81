// Package main is the entry point for the rlm CLI.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/vinayprograms/rlm/internal/config"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in GetAPIKey)
var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}
	_ = godotenv.Load()
}

// app is bound into every command's Run method.
type app struct {
	ctx   context.Context
	cli   *CLI
	creds *credentials.Credentials
	out   io.Writer
}

// loadConfig reads --config, or rlm.toml from the working directory.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cli.Config != "" {
		return config.LoadFile(a.cli.Config)
	}
	return config.LoadDefault()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("rlm"),
		kong.Description("Recursive orchestration over a durable, human-editable focus record."),
		kong.UsageOnError(),
		kongVars(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{ctx: ctx, cli: &cli, creds: globalCreds, out: os.Stdout}
	if err := kctx.Run(a); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
