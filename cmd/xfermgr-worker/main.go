// Package main is the transfer worker binary. A control process launches
// it with "command-connect <pipe>"; it dials the command pipe, serves
// commands against a local transfer service, and exits when the channel
// closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/axondata/go-xfermgr/pipe"
	"github.com/axondata/go-xfermgr/service/local"
	"github.com/axondata/go-xfermgr/worker"
)

func main() {
	stateDir := flag.String("state-dir", defaultStateDir(), "Directory holding job records")
	jobName := flag.String("job-name", "xfermgr", "Owner name for jobs managed here")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(*stateDir, *jobName, flag.Args(), log); err != nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(stateDir, jobName string, args []string, log *slog.Logger) error {
	if len(args) != 2 || args[0] != "command-connect" {
		return fmt.Errorf("usage: %s [flags] command-connect <pipe>", filepath.Base(os.Args[0]))
	}
	pipeName := args[1]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := local.New(stateDir, local.WithLogger(log))
	if err != nil {
		return fmt.Errorf("opening transfer service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn("closing transfer service", "error", err)
		}
	}()

	conn, err := pipe.DialDuplex(pipeName)
	if err != nil {
		return fmt.Errorf("dialing command pipe: %w", err)
	}
	defer conn.Close()

	w := worker.New(svc, jobName, worker.WithLogger(log))
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("stopping worker", "error", err)
		}
	}()

	log.Info("serving commands", "pipe", pipeName, "state_dir", stateDir)
	return w.Serve(ctx, conn)
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "xfermgr")
	}
	return filepath.Join(os.TempDir(), "xfermgr-state")
}
