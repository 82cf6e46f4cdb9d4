// Command server is the research-agent backend entry point.
//
// Usage:
//
//	server serve
//	server validate
//	server version
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/chromedp/chromedp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/agent"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/config"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/httpapi"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/prompts"
	appruntime "github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/runtime"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/session"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Load and validate configuration, then exit."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	EnvFile string `help:"Path to a .env file loaded before configuration." default:".env"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := httpapi.Version
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("fingpt-research-agent %s\n", version)
	return nil
}

// ValidateCmd is a config-only dry run: it exercises every load path
// (env, skill table, prompt fragments) without opening a listener.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if _, err := loadSkills(cfg); err != nil {
		return err
	}
	if _, err := prompts.Load(cfg.PromptFragmentDir); err != nil {
		return err
	}
	if _, err := llms.NewRegistry(cfg); err != nil {
		return err
	}
	fmt.Printf("configuration ok: %d model alias(es), listening on %s\n", len(cfg.ModelAliases), cfg.ListenAddr)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := appruntime.InitGlobalTracer(ctx, appruntime.TracerConfig{Enabled: cfg.TracingEnabled})
	if err != nil {
		return err
	}

	// Runtime guards. The soft-limit trip requests a graceful restart:
	// the listener drains in-flight requests and the process exits so the
	// supervisor brings up a clean worker.
	restart := make(chan struct{}, 1)
	leak := appruntime.NewLeakDetectorWith(cfg.MemoryLeakWindowSize, cfg.MemoryLeakCheckInterval, cfg.MemoryLeakSlopeThresholdMB)
	mem := appruntime.NewMemoryGuard(int(cfg.MemorySoftLimitMB), func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	})
	toolCache := appruntime.NewToolCache(50, 5*time.Minute)
	prom := prometheus.NewRegistry()
	metrics := appruntime.NewMetrics(prom)

	// Session store: in-memory unless a Redis address is configured.
	var sessions session.Service
	if cfg.RedisAddr != "" {
		sessions = session.NewRedisService(cfg.RedisAddr, cfg.SessionTTL, cfg.ArtifactMaxCount, cfg.ArtifactMaxChars)
	} else {
		sessions = session.NewMemoryService(cfg.SessionTTL, cfg.ArtifactMaxCount, cfg.ArtifactMaxChars)
	}
	defer sessions.Close()

	// Prompt fragments, live-reloaded on file change.
	store, err := prompts.Load(cfg.PromptFragmentDir)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Watch(); err != nil {
		log.Warn("prompt fragment watch disabled", "error", err.Error())
	}

	skillList, err := loadSkills(cfg)
	if err != nil {
		return err
	}
	skillReg, err := skills.NewRegistry(skillList)
	if err != nil {
		return err
	}

	models, err := llms.NewRegistry(cfg)
	if err != nil {
		return err
	}

	toolReg, cleanupTools, err := buildTools(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanupTools()

	webSearch := tools.NewWebSearch(cfg.SearXNGURL, toolCache)
	if err := toolReg.Register(webSearch); err != nil {
		return err
	}

	srv := httpapi.NewServer(httpapi.Deps{
		Config:    cfg,
		Log:       log,
		Sessions:  sessions,
		Assembler: prompts.NewAssembler(store),
		SkillReg:  skillReg,
		Planner:   skills.NewPlanner(skillReg),
		ToolReg:   toolReg,
		Models:    models,
		Runner:    agent.New(toolReg),
		WebSearch: webSearch,
		Leak:      leak,
		Mem:       mem,
		Cache:     toolCache,
		Metrics:   metrics,
		Debug:     &appruntime.Debug{Leak: leak, Cache: toolCache, Mem: mem},
		Prom:      prom,
		Tracer:    tp.Tracer("httpapi"),
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
		// No WriteTimeout: SSE responses are long-lived by design, and the
		// research path is bounded by its own per-phase timeouts.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr, "models", len(cfg.ModelAliases))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-restart:
		log.Warn("soft memory limit exceeded, draining for restart")
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		return nil, err
	}
	return config.Load()
}

func loadSkills(cfg *config.Config) ([]skills.Skill, error) {
	if _, err := os.Stat(cfg.SkillTableFile); err == nil {
		return skills.LoadFile(cfg.SkillTableFile)
	}
	return skills.Default(), nil
}

// buildTools registers the in-process tools and discovers MCP tool
// servers. The returned cleanup closes the browser allocator and every
// MCP client process.
func buildTools(ctx context.Context, cfg *config.Config, log *slog.Logger) (*tools.Registry, func(), error) {
	reg := tools.NewRegistry()
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if err := reg.Register(tools.NewCalculator()); err != nil {
		return nil, cleanup, err
	}
	if err := reg.Register(tools.NewWebFetch()); err != nil {
		return nil, cleanup, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, chromedp.DefaultExecAllocatorOptions[:]...)
	cleanups = append(cleanups, allocCancel)
	if err := reg.Register(tools.NewBrowser(allocCtx, cfg.BrowserRestrictHost)); err != nil {
		return nil, cleanup, err
	}

	for _, mc := range cfg.MCPServers {
		src := tools.NewMCPSource(mc.Name, mc.Command, mc.Args, nil)
		discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := src.Discover(discoverCtx, reg)
		cancel()
		if err != nil {
			// A missing market-data server degrades that tool set, not the
			// whole service.
			log.Warn("mcp discovery failed", "server", mc.Name, "error", err.Error())
			_ = src.Close()
			continue
		}
		cleanups = append(cleanups, func() { _ = src.Close() })
	}

	return reg, cleanup, nil
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("server"),
		kong.Description("Financial research agent backend."),
		kong.UsageOnError(),
	)
	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
