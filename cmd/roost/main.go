// Command roost runs the conversational agent daemon: channels in, runs
// out, with a management gateway on the side.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/audit"
	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/channels"
	"github.com/basket/go-roost/internal/config"
	"github.com/basket/go-roost/internal/coordinator"
	"github.com/basket/go-roost/internal/directive"
	"github.com/basket/go-roost/internal/dispatch"
	"github.com/basket/go-roost/internal/gateway"
	"github.com/basket/go-roost/internal/janitor"
	"github.com/basket/go-roost/internal/modelcat"
	"github.com/basket/go-roost/internal/otel"
	"github.com/basket/go-roost/internal/session"
	"github.com/basket/go-roost/internal/telemetry"
)

const drainTimeout = 30 * time.Second

func main() {
	loadDotEnv(".env")

	fs := flag.NewFlagSet("roost", flag.ExitOnError)
	homeFlag := fs.String("home", "", "data directory (default $ROOST_HOME or ~/.roost)")
	quiet := fs.Bool("quiet", false, "suppress console log output")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Usage = printUsage(fs)
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println("roost", otel.Version)
		return
	}

	if fs.NArg() > 0 {
		switch fs.Arg(0) {
		case "status":
			os.Exit(runStatus(*homeFlag))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", fs.Arg(0))
			fs.Usage()
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*homeFlag)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// The audit trail opens before the logger so fatal startup paths are
	// always recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if cfg.NeedsGenesis {
		logger.Info("no config file found; running with defaults",
			"path", config.ConfigPath(cfg.HomeDir))
	}

	otelProv, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		// The run context is already canceled here; give the exporters
		// their own window to flush buffered spans and metrics.
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProv.Shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(otelProv.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	events := bus.New()
	go audit.Watch(ctx, events)

	store := session.NewStore(session.StoreOptions{
		Logger: logger,
		OnLockWait: func(d time.Duration) {
			metrics.StoreLockWait.Record(ctx, d.Seconds())
		},
		OnLockEvicted: func() {
			metrics.StoreLockEvicted.Add(ctx, 1)
		},
	})
	sessions := session.NewManager(store, cfg.SessionManagerConfig(), logger, events)

	catalog, err := modelcat.New(cfg.CatalogModels(), cfg.Models.Default, cfg.Models.Allow)
	if err != nil {
		fatalStartup(logger, "E_MODEL_CATALOG", err)
	}

	primary := cfg.Agents[0]
	resolver := directive.NewResolver(sessions, catalog,
		agentDefaults(primary), globalDefaults(cfg), events, logger)

	runtime := agent.NewGenkitRuntime(ctx, agent.GenkitConfig{
		Provider: cfg.Provider,
		APIKeys:  cfg.APIKeys(),
	}, logger)

	registry := channels.NewRegistry()
	disp := dispatch.NewDispatcher(sessions, resolver, runtime, registry.Deliver,
		events, primary.Persona, logger)
	coord := coordinator.New(disp, events, metrics, logger)
	disp.BindCoordinator(coord)
	pipeline := dispatch.NewPipeline(sessions, resolver, coord, dispatch.PipelineConfig{
		RunTimeout: cfg.RunTimeout(),
		QueueCap:   cfg.Queue.Cap,
		QueueDrop:  cfg.Queue.Drop,
	}, logger)

	startChannels(ctx, cfg, primary, pipeline, registry, events, interactive, logger)

	if cfg.Gateway.Enabled {
		gw := gateway.New(gateway.Config{
			Addr:         cfg.Gateway.Addr,
			Token:        cfg.Gateway.Token,
			DefaultAgent: primary.AgentID,
			Sessions:     sessions,
			Coord:        coord,
			Bus:          events,
			Logger:       logger,
		})
		go func() {
			if err := gw.Run(ctx); err != nil {
				logger.Error("gateway stopped", "error", err)
				stop()
			}
		}()
	}

	jan, err := janitor.New(janitor.Config{
		Sessions:        sessions,
		Agents:          agentIDs(cfg),
		Logger:          logger,
		SweepAfter:      time.Duration(cfg.Janitor.SweepAfterHours) * time.Hour,
		SweepSchedule:   cfg.Janitor.SweepSchedule,
		CompactKeep:     cfg.Janitor.CompactKeep,
		CompactSchedule: cfg.Janitor.CompactSchedule,
		Deliver:         registry.Deliver,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_SCHEDULE", err)
	}
	jan.Start(ctx)

	go watchConfig(ctx, cfg, sessions, resolver, pipeline, logger)

	audit.RecordLifecycle("daemon.start", otel.Version)
	logger.Info("roost ready",
		"home", cfg.HomeDir,
		"agent", primary.AgentID,
		"gateway", gatewayAddr(cfg),
		"telegram", cfg.Channels.Telegram.Enabled,
		"webhook", cfg.Channels.Webhook.Enabled)

	<-ctx.Done()
	shutdown(coord, logCloser, logger)
}

// startChannels registers and starts every enabled channel. A channel that
// fails to start is logged but does not take the daemon down; the gateway
// and the other channels keep serving.
func startChannels(ctx context.Context, cfg config.Config, primary config.AgentEntry,
	pipeline *dispatch.Pipeline, registry *channels.Registry, events *bus.Bus,
	interactive bool, logger *slog.Logger) {

	run := func(name string, ch channels.Channel) {
		go func() {
			if err := ch.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("channel stopped", "channel", name, "error", err)
			}
		}()
	}

	if tc := cfg.Channels.Telegram; tc.Enabled && tc.Token != "" {
		tg := channels.NewTelegramChannel(tc.Token, primary.AgentID, tc.AllowedIDs,
			pipeline, events, logger)
		registry.Register(tg.Name(), tg)
		run(tg.Name(), tg)
	}

	if wc := cfg.Channels.Webhook; wc.Enabled {
		wh, err := channels.NewWebhookChannel(channels.WebhookConfig{
			Addr:    wc.Addr,
			Token:   wc.Token,
			AgentID: primary.AgentID,
		}, pipeline, events, logger)
		if err != nil {
			fatalStartup(logger, "E_WEBHOOK_INIT", err)
		}
		registry.Register(wh.Name(), wh)
		run(wh.Name(), wh)
	}

	if cfg.Channels.CLI.Enabled && interactive {
		cli := channels.NewCLIChannel(primary.AgentID, pipeline, logger)
		registry.Register(cli.Name(), cli)
		run(cli.Name(), cli)
	}
}

// watchConfig hot-applies what it safely can on a config change: reset
// triggers, queue defaults, and the model catalog/allow list. Channel and
// provider changes still need a restart.
func watchConfig(ctx context.Context, cfg config.Config, sessions *session.Manager,
	resolver *directive.Resolver, pipeline *dispatch.Pipeline, logger *slog.Logger) {

	w := config.NewWatcher(cfg.HomeDir, personaFiles(cfg), logger)
	if err := w.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
		return
	}

	last := cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
		}
		next, err := config.LoadFrom(cfg.HomeDir)
		if err != nil {
			logger.Error("config reload failed; keeping previous config", "error", err)
			continue
		}
		fp := next.Fingerprint()
		if fp == last {
			continue
		}
		last = fp

		sessions.SetResetTriggers(next.Session.ResetTriggers)
		pipeline.SetDefaults(dispatch.PipelineConfig{
			RunTimeout: next.RunTimeout(),
			QueueCap:   next.Queue.Cap,
			QueueDrop:  next.Queue.Drop,
		})
		if catalog, err := modelcat.New(next.CatalogModels(), next.Models.Default, next.Models.Allow); err != nil {
			logger.Error("config reload: model catalog invalid, keeping previous catalog", "error", err)
		} else {
			resolver.SwapCatalog(catalog)
		}
		logger.Info("config reloaded",
			"reset_triggers", strings.Join(sessions.ResetTriggers(), ","),
			"note", "channel and provider changes take effect on restart")
	}
}

func shutdown(coord *coordinator.Coordinator, logCloser interface{ Close() error }, logger *slog.Logger) {
	logger.Info("shutdown requested; draining active runs", "timeout", drainTimeout.String())

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := coord.Drain(drainCtx); err != nil {
		for _, id := range coord.ActiveRuns() {
			coord.AbortRun(id)
		}
		logger.Warn("drain timed out; remaining runs aborted", "error", err)
	}

	audit.RecordLifecycle("daemon.stop", "")
	logger.Info("shutdown complete")
	_ = logCloser.Close()
}

func loadConfig(home string) (config.Config, error) {
	if home != "" {
		return config.LoadFrom(home)
	}
	return config.Load()
}

func agentDefaults(a config.AgentEntry) directive.Defaults {
	return directive.Defaults{
		Model:     a.Model,
		Thinking:  a.Thinking,
		Verbose:   a.Verbose,
		Reasoning: a.Reasoning,
		Elevated:  a.Elevated,
		QueueMode: a.QueueMode,
	}
}

func globalDefaults(cfg config.Config) directive.Defaults {
	d := cfg.Defaults
	return directive.Defaults{
		Model:     d.Model,
		Thinking:  d.Thinking,
		Verbose:   d.Verbose,
		Reasoning: d.Reasoning,
		Elevated:  d.Elevated,
		QueueMode: d.QueueMode,
	}
}

func agentIDs(cfg config.Config) []string {
	ids := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ids = append(ids, a.AgentID)
	}
	return ids
}

func personaFiles(cfg config.Config) []string {
	var files []string
	for _, a := range cfg.Agents {
		if a.PersonaFile != "" {
			files = append(files, a.PersonaFile)
		}
	}
	return files
}

func gatewayAddr(cfg config.Config) string {
	if !cfg.Gateway.Enabled {
		return "disabled"
	}
	return cfg.Gateway.Addr
}

// fatalStartup records a structured fatal event with an explicit reason
// code, then exits. It works before the logger exists.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.RecordLifecycle("fatal", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file if present. Existing
// environment variables win.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func printUsage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(os.Stderr, "usage: roost [flags] [command]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "commands:")
		fmt.Fprintln(os.Stderr, "  (none)   run the daemon")
		fmt.Fprintln(os.Stderr, "  status   query a running daemon's health endpoint")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "flags:")
		fs.PrintDefaults()
	}
}
