// Command aeon-gateway is the governance gateway dispatcher: serve runs
// the resident admission pipeline, promote/verify operate on mandate
// files, and health pings a running gateway's /health endpoint. Mirrors
// core/cmd/helm/main.go's switch-on-args[1] dispatch rather than pulling
// in a CLI framework.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Vanaras-AI/AEON/pkg/config"
	"github.com/Vanaras-AI/AEON/pkg/keyring"
	"github.com/Vanaras-AI/AEON/pkg/ledger"
	"github.com/Vanaras-AI/AEON/pkg/mandate"
	"github.com/Vanaras-AI/AEON/pkg/metrics"
	"github.com/Vanaras-AI/AEON/pkg/orchestrator"
	"github.com/Vanaras-AI/AEON/pkg/pipeline"
	"github.com/Vanaras-AI/AEON/pkg/policy"
	"github.com/Vanaras-AI/AEON/pkg/risk"
	"github.com/Vanaras-AI/AEON/pkg/sandbox"
	"github.com/Vanaras-AI/AEON/pkg/telemetry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the dispatcher's testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return cmdServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve":
		return cmdServe(args[2:], stdout, stderr)
	case "promote":
		return cmdPromote(args[2:], stdout, stderr)
	case "verify":
		return cmdVerify(args[2:], stdout, stderr)
	case "health":
		return cmdHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "AEON Governance Gateway")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: aeon-gateway <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve             Run the gateway (default)")
	fmt.Fprintln(w, "  promote -name     Sign a candidate mandate and activate it")
	fmt.Fprintln(w, "  verify -file      Verify a signed mandate file's signature")
	fmt.Fprintln(w, "  health            Check a running gateway's /health endpoint")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.Home != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Home + "/.aeon/gateway.log",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler)
}

func cmdServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to YAML config file")
	agentCmd := fs.String("agent", "", "agent binary to launch under the host orchestrator")
	if args != nil {
		if err := fs.Parse(args); err != nil {
			return 2
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("aeon-gateway starting", "home", cfg.Home, "listen_addr", cfg.ListenAddr)

	kr, err := keyring.Init(cfg.KeyringDir())
	if err != nil {
		slog.Error("keyring init failed", "error", err)
		return 1
	}

	ldg, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		slog.Error("ledger open failed", "error", err)
		return 1
	}

	store := mandate.NewStore(kr, cfg.MandatesDir(), cfg.CandidatesDir(), cfg.ArchiveSnapshotsDir())
	if _, err := store.Pulse(); err != nil {
		slog.Error("mandate pulse failed", "error", err)
		return 1
	}

	pol, err := policy.NewEvaluator()
	if err != nil {
		slog.Error("policy evaluator build failed", "error", err)
		return 1
	}
	riskScorer := risk.NewScorer(cfg.GemmaRiskServerURL)

	var lim pipeline.Limiter
	if cfg.RedisAddr != "" {
		lim = pipeline.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, 0, 0)
	} else {
		lim = pipeline.NewLocalLimiter(0, 0)
	}

	if cfg.TelemetrySecret == "" {
		slog.Warn("TELEMETRY_SECRET unset: telemetry websocket accepts all upgrades")
	}
	bus := telemetry.NewBus(cfg.TelemetrySecret)
	controlCh := make(chan telemetry.ControlCommand, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := chi.NewRouter()
	router.Mount("/", bus.Router(controlCh))
	router.Handle("/metrics", metrics.Handler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		slog.Info("http server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	if *agentCmd != "" {
		m, ok := store.Get(firstAgentID(*agentCmd))
		if !ok {
			slog.Warn("no active mandate found for agent, running without one", "agent", *agentCmd)
			m = &mandate.Mandate{AgentID: *agentCmd, Version: "0.0.0"}
		}

		sup, err := sandbox.NewSupervisor(ctx, cfg.WasmPath, kr, m, cfg.MandatesDir(), cfg.RecycleThreshold, cfg.SandboxCallTimeout)
		if err != nil {
			slog.Error("sandbox supervisor init failed", "error", err)
			return 1
		}
		defer sup.Close()

		pl := pipeline.New(m, sup, ldg, pol, riskScorer, lim, bus)
		orch := orchestrator.New(pl, cfg.HeartbeatInterval, bus)

		go func() {
			for cmd := range controlCh {
				orch.HandleControl(orchestrator.ControlCommand{Kind: cmd.Kind, Reason: cmd.Reason})
			}
		}()

		go func() {
			if err := orch.Run(ctx, *agentCmd); err != nil {
				slog.Error("agent orchestrator exited", "error", err)
			}
		}()
	} else {
		go func() {
			for range controlCh {
				slog.Warn("control command received but no agent orchestrator is running")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

// firstAgentID derives the mandate lookup key from the agent binary path's
// base name, a reasonable default when -agent is a plain executable name.
func firstAgentID(agentCmd string) string {
	return filepath.Base(agentCmd)
}

func cmdPromote(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("promote", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "candidate mandate name (without .toml)")
	home := fs.String("home", "", "AEON home directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(stderr, "Error: -name is required")
		return 2
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(stderr, "config error: %v\n", err)
		return 1
	}
	if *home != "" {
		cfg.Home = *home
	}

	kr, err := keyring.Init(cfg.KeyringDir())
	if err != nil {
		fmt.Fprintf(stderr, "keyring error: %v\n", err)
		return 1
	}

	store := mandate.NewStore(kr, cfg.MandatesDir(), cfg.CandidatesDir(), cfg.ArchiveSnapshotsDir())
	if err := store.PromoteCandidate(*name); err != nil {
		fmt.Fprintf(stderr, "promote failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "promoted %s\n", *name)
	return 0
}

func cmdVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("file", "", "path to a signed mandate TOML file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "Error: -file is required")
		return 2
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "read error: %v\n", err)
		return 1
	}

	m, ok, err := mandate.Verify(raw)
	if err != nil {
		fmt.Fprintf(stderr, "verify error: %v\n", err)
		return 1
	}
	if !ok {
		fmt.Fprintf(stdout, "INVALID signature: %s\n", *file)
		return 1
	}

	fmt.Fprintf(stdout, "VALID: agent_id=%s version=%s did=%s\n", m.AgentID, m.Version, m.DID)
	return 0
}

func cmdHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://127.0.0.1:8088", "gateway base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	resp, err := http.Get(*addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}
