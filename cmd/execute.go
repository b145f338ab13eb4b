// Package cmd contains the agentd command-line entry points.
//
// Following the pattern used by kubectl, hugo, and other standard Go
// CLI tools, all application logic lives here and main.go stays a
// minimal entry point.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/implementos/agentd/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point for the agentd application.
// It handles flag parsing and command routing, and is designed to be
// called from main() so it stays testable.
func Execute() error {
	// Special flags work even when the config is invalid.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersionInfo()
			return nil
		case "help", "--help", "-h":
			printHelp()
			return nil
		case "migrate":
			return runMigrate()
		case "serve", "":
		default:
			printHelp()
			return fmt.Errorf("unknown command %q", os.Args[1])
		}
	}

	return runServe()
}

// initLogger initializes the structured logger.
//
// Log level is controlled by the DEBUG environment variable:
//   - DEBUG set (any value): debug level logging
//   - DEBUG not set: info level logging
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo, JSON: true}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
	}
	return log.New(cfg)
}

func printVersionInfo() {
	fmt.Printf("agentd %s\n", AppVersion)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println(`agentd - conversational agent server for Implementos

Usage:
  agentd [serve]    start the HTTP server (default)
  agentd migrate    run pending database migrations and exit
  agentd version    show version information
  agentd help       show this help

Environment:
  GEMINI_API_KEY    Gemini API key (required)
  DATABASE_URL      PostgreSQL URL (overrides AGENTD_POSTGRES_* settings)
  DEBUG             enable debug logging`)
}
