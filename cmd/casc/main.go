package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/joho/godotenv"

	"github.com/haricheung/cascade/internal/bus"
	"github.com/haricheung/cascade/internal/cache"
	"github.com/haricheung/cascade/internal/clock"
	"github.com/haricheung/cascade/internal/config"
	"github.com/haricheung/cascade/internal/embed"
	"github.com/haricheung/cascade/internal/memory"
	"github.com/haricheung/cascade/internal/modelclient"
	"github.com/haricheung/cascade/internal/pipeline"
	"github.com/haricheung/cascade/internal/stage"
	"github.com/haricheung/cascade/internal/stages"
	"github.com/haricheung/cascade/internal/trace"
	"github.com/haricheung/cascade/internal/ui"
)

// Default per-1k-token prices in micro-currency units when the env does not
// override them.
const (
	teacherPriceIn  = 3000
	teacherPriceOut = 15000
	studentPriceIn  = 150
	studentPriceOut = 600
)

func main() {
	// Load env
	_ = godotenv.Load(".env")

	level := slog.LevelInfo
	if os.Getenv("CASCADE_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.FromEnv()

	// Resolve cache dir
	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "casc")
	if cfg.MemoryPath == "" {
		cfg.MemoryPath = filepath.Join(cacheDir, "memory.db")
	}
	if cfg.TraceLogPath == "" {
		cfg.TraceLogPath = filepath.Join(cacheDir, "trace.jsonl")
	}

	clk := clock.Real{}

	mem, err := memory.Open(cfg.MemoryPath, clk, cfg.MemoryMergeThreshold)
	if err != nil {
		slog.Warn("[CASC] reasoning bank unavailable", "path", cfg.MemoryPath, "error", err)
		mem = nil
	}

	traceOpts := []trace.Option{
		trace.WithRingSize(cfg.TraceRingSize),
		trace.WithLogFile(cfg.TraceLogPath),
	}
	// In debug mode, stream stage events to the terminal as they happen.
	var feed *bus.Feed
	if level == slog.LevelDebug {
		feed = bus.New()
		traceOpts = append(traceOpts, trace.WithFeed(feed))
	}
	traces := trace.New(clk, traceOpts...)

	clients := modelclient.NewRegistry()
	clients.Register(modelclient.ClientConfig{
		Name:       "teacher",
		Client:     modelclient.NewOpenAIClient("TEACHER", teacherPriceIn, teacherPriceOut),
		Identity:   "teacher",
		RatePerSec: 2,
		Burst:      2,
		Retry:      modelclient.RetryPolicy{MaxAttempts: cfg.SchedulerRetry.MaxAttempts, BaseBackoff: time.Duration(cfg.SchedulerRetry.BaseBackoffMs) * time.Millisecond, MaxJitter: time.Duration(cfg.SchedulerRetry.JitterMs) * time.Millisecond},
		Breaker:    modelclient.BreakerPolicy{Failures: 3, Cooldown: 20 * time.Second},
	})
	clients.Register(modelclient.ClientConfig{
		Name:       "student",
		Client:     modelclient.NewOpenAIClient("STUDENT", studentPriceIn, studentPriceOut),
		Identity:   "student",
		RatePerSec: 5,
		Burst:      5,
		Retry:      modelclient.RetryPolicy{MaxAttempts: cfg.SchedulerRetry.MaxAttempts, BaseBackoff: time.Duration(cfg.SchedulerRetry.BaseBackoffMs) * time.Millisecond, MaxJitter: time.Duration(cfg.SchedulerRetry.JitterMs) * time.Millisecond},
		Breaker:    modelclient.BreakerPolicy{Failures: 5, Cooldown: 30 * time.Second},
	})

	registry := stage.NewRegistry()
	stages.RegisterBuiltins(registry, "teacher", "student", cfg.DenyPatterns)

	pipe := pipeline.New(cfg, pipeline.Deps{
		Clock:    clk,
		Clients:  clients,
		Memory:   mem,
		Embedder: embed.Local{},
		Traces:   traces,
		Cache:    cache.New(clk, cfg.CacheMaxEntries, cfg.CacheDefaultTTL),
		Stages:   registry,
	})

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ncasc: shutting down")
		cancel()
	}()

	if mem != nil {
		go mem.Run(ctx)
	}
	if feed != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-feed.Tap():
					fmt.Fprintln(os.Stderr, ui.FormatEvent(ev))
				}
			}
		}()
	}

	// REPL or one-shot
	exitCode := 0
	if len(os.Args) > 1 && os.Args[1] != "" {
		input := strings.Join(os.Args[1:], " ")
		if err := runOnce(ctx, pipe, input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			exitCode = 1
		}
	} else {
		runREPL(ctx, pipe, cancel)
	}

	cancel()
	// Give the curator and trace sink a moment to drain.
	time.Sleep(200 * time.Millisecond)
	traces.Shutdown()
	os.Exit(exitCode)
}

func runOnce(ctx context.Context, pipe *pipeline.Pipeline, input string) error {
	res, err := pipe.Execute(ctx, input, pipeline.Options{Trace: true})
	if err != nil {
		return err
	}
	fmt.Print(ui.FormatResult(res))
	return nil
}

func runREPL(ctx context.Context, pipe *pipeline.Pipeline, cancel context.CancelFunc) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "casc> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		return
	}
	defer rl.Close()

	fmt.Println("casc: cascade query engine (/trace <id>, /memory, /quit)")

	lastSession := ""
	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF or readline.ErrInterrupt
			cancel()
			return
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit":
			cancel()
			return

		case input == "/memory":
			fmt.Print(ui.FormatMemorySummary(pipe.MemorySummary()))

		case strings.HasPrefix(input, "/trace"):
			id := strings.TrimSpace(strings.TrimPrefix(input, "/trace"))
			if id == "" {
				id = lastSession
			}
			if id == "" {
				fmt.Println("no session yet")
				continue
			}
			sess, ok := pipe.GetTrace(id)
			if !ok {
				fmt.Printf("unknown session %s\n", id)
				continue
			}
			fmt.Print(ui.FormatTrace(sess))

		case strings.HasPrefix(input, "/"):
			fmt.Printf("unknown command %s\n", input)

		default:
			res, err := pipe.Execute(ctx, input, pipeline.Options{Trace: true})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			lastSession = res.SessionID
			fmt.Print(ui.FormatResult(res))
		}

		if ctx.Err() != nil {
			return
		}
	}
}
