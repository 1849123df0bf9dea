package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/OnlyOneSky/remita-e2e/config"
	"github.com/OnlyOneSky/remita-e2e/logger"
	"github.com/OnlyOneSky/remita-e2e/runner"
	"github.com/OnlyOneSky/remita-e2e/suite"
)

func main() {
	platform := flag.String("platform", "", "platform filter: android, ios or empty for both")
	configDir := flag.String("config", "./configs", "directory holding settings.yaml and the platform documents")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logFile := flag.String("log-file", "./logs/runner.log", "log file path")
	flag.Parse()

	if err := os.MkdirAll(filepath.Dir(*logFile), os.ModePerm); err != nil {
		panic("Could not create logs folder - " + err.Error())
	}
	if err := logger.Setup(*logLevel, *logFile); err != nil {
		panic("Could not set up logging - " + err.Error())
	}

	// Interrupting the run mid-suite still tears down every session that
	// reached Ready, the controller handles cleanup on cancellation.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Watch(ctx, *configDir); err != nil {
		logger.RunnerLogger.LogWarn("runner", fmt.Sprintf("Could not start config watcher - %s", err))
	}

	report, err := runner.Run(ctx, suite.Tests(), runner.Options{
		ConfigDir: *configDir,
		Platform:  *platform,
	})
	if err != nil {
		logger.RunnerLogger.LogError("runner", fmt.Sprintf("Run aborted - %s", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	report.LogSummary()
	os.Exit(report.ExitCode())
}
