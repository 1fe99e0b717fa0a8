package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dhsmith/reportforge/internal/report/engine"
	"github.com/dhsmith/reportforge/internal/report/gateway"
	"github.com/dhsmith/reportforge/internal/report/providers/fetch"
	"github.com/dhsmith/reportforge/internal/report/providers/openaicompat"
	"github.com/dhsmith/reportforge/internal/report/providers/websearch"
	"github.com/dhsmith/reportforge/internal/report/runstate"
	"github.com/dhsmith/reportforge/internal/report/server"
	"github.com/dhsmith/reportforge/internal/report/state"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "serve":
		cmdServe(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  reportforge run --config <run.yaml> --topic <topic> [--run-id <id>] [--verbose]")
	fmt.Fprintln(os.Stderr, "  reportforge resume --config <run.yaml> --run-id <id> [--verbose]")
	fmt.Fprintln(os.Stderr, "  reportforge status --config <run.yaml> [--run-id <id>]")
	fmt.Fprintln(os.Stderr, "  reportforge serve --config <run.yaml> [--addr <host:port>] [--verbose]")
}

func cmdRun(args []string) {
	var configPath, topic, runID string
	var verbose bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i]
		case "--topic":
			i++
			if i >= len(args) {
				fatal("--topic requires a value")
			}
			topic = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fatal("--run-id requires a value")
			}
			runID = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	if configPath == "" || topic == "" {
		usage()
		os.Exit(1)
	}

	cfg := mustLoadConfig(configPath)
	logger := newLogger(verbose)
	defer func() { _ = logger.Sync() }()

	eng, err := engine.New(engine.Options{
		RunID:         runID,
		Topic:         topic,
		Config:        cfg,
		Collaborators: buildCollaborators(cfg),
		Logger:        logger,
	})
	if err != nil {
		fatal(err.Error())
	}
	runToCompletion(eng, logger)
}

func cmdResume(args []string) {
	var configPath, runID string
	var verbose bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fatal("--run-id requires a value")
			}
			runID = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	if configPath == "" || runID == "" {
		usage()
		os.Exit(1)
	}

	cfg := mustLoadConfig(configPath)
	logger := newLogger(verbose)
	defer func() { _ = logger.Sync() }()

	eng, err := engine.Resume(engine.Options{
		RunID:         runID,
		Config:        cfg,
		Collaborators: buildCollaborators(cfg),
		Logger:        logger,
	})
	if err != nil {
		fatal(err.Error())
	}
	runToCompletion(eng, logger)
}

func runToCompletion(eng *engine.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("interrupt received, stopping after the current step")
		cancel()
	}()

	res, err := eng.Run(ctx)
	if err != nil {
		fatal(err.Error())
	}

	fmt.Printf("run %s: %s after %d steps\n", res.RunID, res.Status, res.Steps)
	switch res.Status {
	case state.RunCompleted:
		fmt.Printf("document: %s\n", filepath.Join(res.RunDir, "document.md"))
	case state.RunAborted:
		if res.Failure != nil {
			fmt.Fprintf(os.Stderr, "failure at %s (%s): %s\n", res.Failure.Node, res.Failure.Kind, res.Failure.Message)
		}
		os.Exit(1)
	case state.RunCancelled:
		fmt.Printf("resume with: reportforge resume --run-id %s\n", res.RunID)
	}
}

func cmdStatus(args []string) {
	var configPath, runID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i]
		case "--run-id":
			i++
			if i >= len(args) {
				fatal("--run-id requires a value")
			}
			runID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	cfg := mustLoadConfig(configPath)

	if runID != "" {
		snap, err := runstate.Load(filepath.Join(cfg.RunsRoot, runID))
		if err != nil {
			fatal(err.Error())
		}
		printSnapshot(snap)
		return
	}
	snaps, err := runstate.List(cfg.RunsRoot)
	if err != nil {
		fatal(err.Error())
	}
	if len(snaps) == 0 {
		fmt.Println("no runs found")
		return
	}
	for _, snap := range snaps {
		printSnapshot(snap)
	}
}

func printSnapshot(s *runstate.Snapshot) {
	line := fmt.Sprintf("%s  %s", s.RunID, s.Status)
	if s.CurrentNode != "" {
		line += "  node=" + s.CurrentNode
	}
	if s.SectionsTotal > 0 {
		line += fmt.Sprintf("  sections=%d/%d", s.SectionsDone, s.SectionsTotal)
	}
	if s.StepCount > 0 {
		line += fmt.Sprintf("  steps=%d", s.StepCount)
	}
	if len(s.Degraded) > 0 {
		line += fmt.Sprintf("  degraded=%d", len(s.Degraded))
	}
	if s.FailureKind != "" {
		line += "  failure=" + s.FailureKind
	}
	if !s.LastEventAt.IsZero() {
		line += "  last=" + s.LastEventAt.Format(time.RFC3339)
	}
	fmt.Println(line)
}

func cmdServe(args []string) {
	var configPath string
	addr := ":8080"
	var verbose bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fatal("--config requires a value")
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fatal("--addr requires a value")
			}
			addr = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			usage()
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg := mustLoadConfig(configPath)
	logger := newLogger(verbose)
	defer func() { _ = logger.Sync() }()

	srv := server.New(server.Config{
		Addr:          addr,
		RunConfig:     cfg,
		Collaborators: buildCollaborators(cfg),
		Logger:        logger,
	})
	if err := srv.ListenAndServe(); err != nil {
		fatal(err.Error())
	}
}

func mustLoadConfig(path string) *engine.RunConfigFile {
	cfg, err := engine.LoadRunConfigFile(path)
	if err != nil {
		fatal(err.Error())
	}
	return cfg
}

func buildCollaborators(cfg *engine.RunConfigFile) gateway.Collaborators {
	gen := cfg.Providers.Generate
	apiKey := ""
	if gen.APIKeyEnv != "" {
		apiKey = os.Getenv(gen.APIKeyEnv)
	}
	return gateway.Collaborators{
		Generator: openaicompat.NewAdapter(openaicompat.Config{
			BaseURL: gen.BaseURL,
			Model:   gen.Model,
			APIKey:  apiKey,
			Timeout: time.Duration(gen.TimeoutMS) * time.Millisecond,
		}),
		Searcher: websearch.NewClient(websearch.Config{
			BaseURL: cfg.Providers.Search.BaseURL,
			Timeout: time.Duration(cfg.Providers.Search.TimeoutMS) * time.Millisecond,
		}),
		Fetcher: fetch.NewFetcher(fetch.Config{
			Timeout:  time.Duration(cfg.Providers.Fetch.TimeoutMS) * time.Millisecond,
			MaxChars: cfg.Providers.Fetch.MaxChars,
		}),
	}
}

func newLogger(verbose bool) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zcfg.Encoding = "console"
	logger, err := zcfg.Build()
	if err != nil {
		fatal(err.Error())
	}
	return logger
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
