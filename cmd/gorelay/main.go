package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/cron"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/gateway"
	otelPkg "github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/session"
	"github.com/basket/go-relay/internal/telemetry"
	"github.com/basket/go-relay/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	name := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

RUN:
  %[1]s                       Start the gateway with the status dashboard
  %[1]s -daemon               Start the gateway without the dashboard (logs to stdout)

SUBCOMMANDS (talk to a running gateway's admin API):
  %[1]s status                Show gateway health (/healthz)
  %[1]s sessions [flags]      List sessions; -clear -channel <ch> -chat-id <id> resets one
  %[1]s cron <action>         Manage scheduled jobs
                              Actions: list [-all], add, remove <id>, enable <id>,
                              disable <id>, run <id>
  %[1]s doctor [-json]        Run diagnostic checks
  %[1]s version               Print the version

FLAGS:
`, name)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GORELAY_HOME            Data directory (default: ~/.gorelay)
  GORELAY_NO_TUI          Set to 1 to disable the dashboard
  GORELAY_ADMIN_TOKEN     Bearer token for the admin API
  TELEGRAM_TOKEN          Telegram bot token

EXAMPLES:
  Daily report:           %[1]s cron add -name report -cron "0 9 * * *" -message "Summarize yesterday" -channel telegram -chat-id 42
  Reset a conversation:   %[1]s sessions -clear -channel telegram -chat-id 42
`, name)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("GORELAY_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run without the status dashboard, logging to stdout")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:], os.Stdout))
		case "sessions":
			os.Exit(runSessionsCommand(ctx, args[1:], os.Stdout))
		case "cron":
			os.Exit(runCronCommand(ctx, args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		reason := "E_CONFIG_LOAD"
		if errors.Is(err, config.ErrConfigInvalid) {
			reason = "E_CONFIG_INVALID"
		}
		fatalStartup(nil, reason, err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(telemetry.ParseLevel(cfg.LogLevel))
	// The dashboard owns the terminal, so logs go to the file only.
	logOpts := telemetry.Options{HomeDir: cfg.HomeDir, Level: logLevel}
	if !interactive {
		logOpts.Console = os.Stdout
	}
	logger, closer, err := telemetry.New(logOpts)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"mode", cfg.Driver.Mode, "fingerprint", cfg.Fingerprint(), "version", Version)

	if err := os.MkdirAll(cfg.Driver.Workspace, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		HomeDir:     cfg.HomeDir,
		DriverMode:  cfg.Driver.Mode,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	logger.Info("startup phase", "phase", "telemetry_ready", "tracing", otelProvider.Tracing())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go metrics.Observe(ctx, eventBus)

	store, err := persistence.Open(config.DBPath(cfg.HomeDir), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened")

	sessions := session.NewManager(session.Config{
		Store:    store,
		Logger:   logger,
		Bus:      eventBus,
		MaxTurns: cfg.Driver.MaxTurns,
	})
	if n, err := sessions.Load(ctx); err != nil {
		logger.Warn("session restore failed, starting empty", "error", err)
	} else {
		logger.Info("startup phase", "phase", "sessions_restored", "sessions", n)
	}
	if err := dropForeignSessions(ctx, store, sessions, agentIdentity(cfg), logger); err != nil {
		logger.Warn("agent identity check failed", "error", err)
	}

	systemPrompt := cfg.Driver.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = cfg.AGENTS
	}
	eng, err := engine.New(engine.Config{
		Mode:             cfg.Driver.Mode,
		AgentPath:        cfg.Driver.AgentPath,
		Model:            cfg.Driver.Model,
		AutoConfirm:      cfg.Driver.AutoConfirm,
		ShowReasoning:    cfg.Driver.ShowReasoning,
		Workspace:        cfg.Driver.Workspace,
		ExtraArgs:        cfg.Driver.ExtraArgs,
		SystemPrompt:     systemPrompt,
		Host:             cfg.Driver.Host,
		Port:             cfg.Driver.Port,
		TurnTimeout:      time.Duration(cfg.Driver.TimeoutSeconds) * time.Second,
		HandshakeTimeout: time.Duration(cfg.Driver.HandshakeTimeoutSeconds) * time.Second,
		Grace:            time.Duration(cfg.Driver.GraceSeconds) * time.Second,
		Logger:           logger,
		Bus:              eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}

	var recorder *channels.Recorder
	if cfg.Gateway.RecordMessages {
		recorder = channels.NewRecorder(channels.RecorderConfig{
			Dir:    filepath.Join(cfg.Driver.Workspace, "channel"),
			Logger: logger,
		})
	}
	chMgr := channels.NewManager(channels.ManagerConfig{
		WorkerCount:  cfg.Gateway.WorkerCount,
		QueueDepth:   cfg.Gateway.QueueDepth,
		DrainTimeout: time.Duration(cfg.Gateway.DrainTimeoutSeconds) * time.Second,
		AllowFrom:    allowLists(cfg),
		Logger:       logger,
		Bus:          eventBus,
		Recorder:     recorder,
	})
	if tg := cfg.Channels.Telegram; tg.Enabled {
		chMgr.Register(channels.NewTelegramChannel(channels.TelegramConfig{
			Token:    tg.Token,
			MediaDir: filepath.Join(cfg.Driver.Workspace, "media"),
			Logger:   logger,
		}))
	}

	heartbeat := gateway.NewHeartbeat(gateway.HeartbeatConfig{
		Workspace: cfg.Driver.Workspace,
		Interval:  time.Duration(cfg.Gateway.HeartbeatIntervalMinutes) * time.Minute,
		Inject:    chMgr.PublishInbound,
		Logger:    logger,
	})

	var attachRoot string
	if cfg.Gateway.AttachFiles {
		attachRoot = cfg.Driver.Workspace
	}
	gw, err := gateway.New(gateway.Config{
		Sessions:   sessions,
		Engine:     eng,
		Outbound:   chMgr,
		Streaming:  cfg.Gateway.Streaming,
		Heartbeat:  heartbeat,
		AttachRoot: attachRoot,
		Tracer:     otelProvider.Tracer,
		Logger:     logger,
		Bus:        eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	eng.OnSessionsLost(gw.SessionsLost)
	chMgr.SetHandler(gw.HandleInbound)

	scheduler := cron.NewScheduler(cron.Config{
		Store:  store,
		Inject: chMgr.PublishInbound,
		Logger: logger,
		Bus:    eventBus,
	})
	if err := scheduler.Start(ctx); err != nil {
		fatalStartup(logger, "E_CRON_START", err)
	}
	logger.Info("startup phase", "phase", "cron_started", "jobs", scheduler.Len())

	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	err = chMgr.Start(startCtx)
	cancelStart()
	if err != nil {
		fatalStartup(logger, "E_CHANNEL_START", err)
	}
	logger.Info("startup phase", "phase", "channels_started", "channels", len(chMgr.Channels()))

	if cfg.Gateway.HeartbeatIntervalMinutes > 0 {
		heartbeat.Start(ctx)
	}

	serverErr := make(chan error, 1)
	if addr := strings.TrimSpace(cfg.Gateway.AdminAddr); addr != "" {
		admin := gateway.NewAdmin(gateway.AdminConfig{
			Sessions:  sessions,
			Engine:    eng,
			Cron:      scheduler,
			Channels:  chMgr,
			Heartbeat: heartbeat,
			Bus:       eventBus,
			AuthToken: cfg.Gateway.AdminToken,
			Logger:    logger,
		})
		go func() {
			if err := admin.ListenAndServe(ctx, addr); err != nil {
				if isAddrInUse(err) {
					logger.Error("admin address in use", "addr", addr,
						"hint", "another gorelay may be running; stop it or change gateway.admin_addr")
				}
				serverErr <- err
			}
		}()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go func() {
			fingerprint := cfg.Fingerprint()
			for range watcher.Events() {
				next, err := config.Load()
				if err != nil {
					logger.Warn("config reload rejected, keeping current settings", "error", err)
					continue
				}
				applyReload(next, fingerprint, chMgr, logLevel, logger)
			}
		}()
	}

	logger.Info("startup phase", "phase", "ready", "admin_addr", cfg.Gateway.AdminAddr)

	if interactive {
		started := time.Now()
		go func() {
			provider := func() tui.Snapshot {
				return statusSnapshot(started, eng.Status(), sessions, chMgr, scheduler)
			}
			if err := tui.Run(ctx, provider, eventBus); err != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("admin server error", "error", err)
	}
	stop()

	// Drain conversations first so in-flight turns can still reach the agent,
	// then stop the agent.
	scheduler.Stop()
	drain := time.Duration(cfg.Gateway.DrainTimeoutSeconds) * time.Second
	grace := time.Duration(cfg.Driver.GraceSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain+grace+5*time.Second)
	defer cancel()
	if err := chMgr.Stop(shutdownCtx); err != nil {
		logger.Warn("channel drain incomplete", "error", err)
	}
	if err := eng.Close(shutdownCtx); err != nil {
		logger.Warn("engine close failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func allowLists(cfg config.Config) map[string][]string {
	out := make(map[string][]string)
	for name, ch := range cfg.Channels.ByName() {
		if len(ch.AllowFrom) > 0 {
			out[name] = ch.AllowFrom
		}
	}
	return out
}

type allowListSetter interface {
	SetAllowList(channel string, ids []string)
}

// applyReload re-applies the hot-reloadable settings of next and reports
// whether the rest of the config still matches the running process.
func applyReload(next config.Config, fingerprint string, target allowListSetter, lvl *slog.LevelVar, logger *slog.Logger) bool {
	for name, ch := range next.Channels.ByName() {
		target.SetAllowList(name, ch.AllowFrom)
	}
	lvl.Set(telemetry.ParseLevel(next.LogLevel))

	if next.Fingerprint() != fingerprint {
		logger.Warn("config changed settings that need a restart", "fingerprint", next.Fingerprint())
		return false
	}
	logger.Info("config reloaded", "log_level", next.LogLevel)
	return true
}

func statusSnapshot(started time.Time, st engine.Status, sessions *session.Manager, chs gateway.ChannelStatus, scheduler *cron.Scheduler) tui.Snapshot {
	snap := tui.Snapshot{
		EngineMode:    st.Mode,
		EngineState:   string(st.State),
		EnginePID:     st.PID,
		InFlight:      st.InFlight,
		Restarts:      st.Restarts,
		AgentSessions: st.Sessions,
		Sessions:      sessions.Len(),
		StoreDegraded: sessions.Degraded(),
		Channels:      chs.Channels(),
		Queued:        chs.Queued(),
		Uptime:        time.Since(started),
	}
	for _, job := range scheduler.List(false) {
		snap.CronJobs++
		if !job.NextRunAt.IsZero() && (snap.NextCron.IsZero() || job.NextRunAt.Before(snap.NextCron)) {
			snap.NextCron = job.NextRunAt
		}
	}
	return snap
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"gateway","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

// loadDotEnv sets variables from a KEY=VALUE file without overriding the
// environment.
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
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}

const agentIdentityKey = "agent_identity"

type kvStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// agentIdentity names the agent that issued the persisted session ids.
// Ids from one agent binary or endpoint mean nothing to another.
func agentIdentity(cfg config.Config) string {
	d := cfg.Driver
	if d.Mode == config.ModeSocket {
		return fmt.Sprintf("acp ws://%s:%d", d.Host, d.Port)
	}
	return d.Mode + " " + d.AgentPath
}

// dropForeignSessions clears restored sessions when the configured agent
// differs from the one recorded on the previous run.
func dropForeignSessions(ctx context.Context, kv kvStore, sessions *session.Manager, identity string, logger *slog.Logger) error {
	prev, err := kv.KVGet(ctx, agentIdentityKey)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
	case err != nil:
		return err
	case prev != identity:
		n, err := sessions.ClearAll(ctx)
		if err != nil {
			return err
		}
		logger.Info("agent changed, cleared sessions", "previous", prev, "current", identity, "cleared", n)
	}
	if prev == identity {
		return nil
	}
	return kv.KVSet(ctx, agentIdentityKey, identity)
}
