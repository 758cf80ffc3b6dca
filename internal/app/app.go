// Package app is the composition root: it connects infrastructure, builds
// every component of the coordination engine as an explicit object, and
// wires them together for the selected run mode. Nothing here holds logic
// beyond construction order and lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/opswatch/internal/config"
	"github.com/wisbric/opswatch/internal/errkind"
	"github.com/wisbric/opswatch/internal/httpserver"
	"github.com/wisbric/opswatch/internal/platform"
	"github.com/wisbric/opswatch/internal/seed"
	"github.com/wisbric/opswatch/internal/telemetry"
	"github.com/wisbric/opswatch/pkg/auth"
	"github.com/wisbric/opswatch/pkg/cluster"
	"github.com/wisbric/opswatch/pkg/directory"
	"github.com/wisbric/opswatch/pkg/dispatch"
	"github.com/wisbric/opswatch/pkg/employee"
	"github.com/wisbric/opswatch/pkg/mailer"
	"github.com/wisbric/opswatch/pkg/messaging"
	"github.com/wisbric/opswatch/pkg/monitor"
	"github.com/wisbric/opswatch/pkg/notify"
	"github.com/wisbric/opswatch/pkg/otrs"
	"github.com/wisbric/opswatch/pkg/pendingaction"
	"github.com/wisbric/opswatch/pkg/scheduler"
	"github.com/wisbric/opswatch/pkg/store"
	"github.com/wisbric/opswatch/pkg/telegram"
	"github.com/wisbric/opswatch/pkg/ticket"
)

// settingsRefreshInterval is how often the core.settings overlay reloads.
const settingsRefreshInterval = 30 * time.Second

// Run is the main application entry point.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting opswatch", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if cfg.Mode == "migrate" {
		return platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir)
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	if cfg.Mode == "seed" {
		return seed.Run(ctx, db, logger)
	}

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "bot":
		return runBot(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runBot wires the full coordination engine: dispatcher, auth state machine,
// ticket reconciler, monitoring engine, scheduler, and the cluster
// coordinator for node kind "bot".
func runBot(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	if cfg.BotToken == "" {
		return errors.New("OPSWATCH_BOT_TOKEN is required in bot mode")
	}

	settings := config.NewSettings(store.NewSettingsStore(db), logger, settingsRefreshInterval)

	// Stores.
	msgStore := store.NewMessageStore(db)
	chatUsers := store.NewChatUserStore(db)
	verifications := store.NewVerificationStore(db)
	ticketStore := store.NewTicketStore(db)
	monitorStore := store.NewMonitorStore(db)

	// Messaging platform.
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("authenticating bot: %w", err)
	}
	provider := telegram.New(bot)

	allowedTopics := allowedTopicSet(cfg)
	manager := messaging.New(provider, msgStore, logger, allowedTopics)

	routerConfig := func() notify.Config {
		return notify.Config{
			ChatID: settings.Int64("chat_id", cfg.TargetChatID),
			Topics: notify.Topics{
				Bot:      settings.Int("topic_bot", cfg.TopicBot),
				Ping:     settings.Int("topic_ping", cfg.TopicPing),
				Metrics:  settings.Int("topic_metrics", cfg.TopicMetrics),
				Tasks:    settings.Int("topic_tasks", cfg.TopicTasks),
				Employee: settings.Int("topic_employee_search", cfg.TopicEmployee),
			},
			AlertLifetime: settings.Duration("alert_lifetime", messaging.DefaultAlertLifetime),
		}
	}
	router := notify.New(manager, routerConfig, logger)

	// Back-office clients.
	codeMailer := mailer.New(mailer.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		User:     cfg.SMTPUser,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}, logger)

	dir := directory.New(directory.Config{
		URL:      cfg.DirectoryURL,
		BindDN:   cfg.DirectoryBindDN,
		Password: cfg.DirectoryPassword,
	}, logger)

	ticketAPI := otrs.New(otrs.Config{
		BaseURL:        cfg.TicketBaseURL,
		WebServiceName: cfg.TicketWebService,
		Login:          cfg.TicketLogin,
		Password:       cfg.TicketPassword,
	}, logger)

	// Core components.
	broker := pendingaction.New()
	reconciler := ticket.New(ticketAPI, ticketStore, manager, router, chatUsers, broker, logger, cfg.TicketWebURL)

	var dirLookup auth.DirectoryLookup
	if dir.Enabled() {
		dirLookup = dir
	}
	authMachine := auth.New(chatUsers, verifications, codeMailer, reconciler, dirLookup, manager, logger,
		settings.StringSlice("allowed_email_domains", cfg.AllowedEmailDomains))

	dispatchConfig := func() dispatch.Config {
		topics := routerConfig().Topics
		allowed := make(map[int]bool, len(allowedTopics))
		for _, t := range allowedTopics {
			allowed[t] = true
		}
		return dispatch.Config{
			TopicTasks:          topics.Tasks,
			TopicEmployee:       topics.Employee,
			AllowedTopics:       allowed,
			UserDeleteDelay:     settings.Duration("delete_delay_user", 30*time.Second),
			EmployeeDeleteDelay: settings.Duration("delete_delay_employee", 5*time.Minute),
		}
	}
	dispatcher := dispatch.New(authMachine, reconciler, broker, chatUsers, manager, provider, dispatchConfig, logger)
	poller := telegram.NewPoller(bot, dispatcher, logger)

	engine := monitor.New(monitorStore, router, monitor.ICMPProber{}, logger)

	coord := newCoordinator(cfg, rdb, db, logger, "bot")

	jobs := scheduler.Jobs{
		MonitorTick:  engine.Tick,
		TicketPoll:   reconciler.Poll,
		WeeklyReport: weeklyReportJob(reconciler, manager, router, logger),
		SweepExpired: verifications.DeleteExpired,
	}
	if cfg.SnapshotNode == "bot" {
		snapshotter := employee.NewSnapshotter(store.NewEmployeeStore(db), store.NewSnapshotStore(db), logger)
		jobs.DailySnapshot = snapshotter.SnapshotDaily
	}
	sched := scheduler.New(coord, msgStore, manager, jobs, logger, cfg.SnapshotNode)

	cleanupEphemeralTopics(ctx, manager, msgStore, routerConfig(), logger)

	return runNode(ctx, cfg, logger, db, rdb, metricsReg, coord, func(ctx context.Context) {
		go settings.Run(ctx)
		go sched.Run(ctx)
		go poller.Run(ctx)
	})
}

// runWorker wires the minimal worker node: cluster membership for kind
// "worker" plus the daily snapshot job.
func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	settings := config.NewSettings(store.NewSettingsStore(db), logger, settingsRefreshInterval)

	coord := newCoordinator(cfg, rdb, db, logger, "worker")
	snapshotter := employee.NewSnapshotter(store.NewEmployeeStore(db), store.NewSnapshotStore(db), logger)

	sched := scheduler.New(coord, nil, nil, scheduler.Jobs{
		DailySnapshot: snapshotter.SnapshotDaily,
	}, logger, "worker")

	return runNode(ctx, cfg, logger, db, rdb, metricsReg, coord, func(ctx context.Context) {
		go settings.Run(ctx)
		go sched.Run(ctx)
	})
}

// runNode starts the coordinator, the mode-specific tasks, and the
// health/metrics HTTP surface, blocking until shutdown.
func runNode(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, coord *cluster.Coordinator, start func(ctx context.Context)) error {
	errCh := make(chan error, 2)

	go func() {
		if err := coord.Run(ctx); err != nil {
			errCh <- fmt.Errorf("cluster coordinator: %w", err)
		}
	}()

	start(ctx)

	srv := httpserver.NewServer(logger, db, rdb, metricsReg, coord, cfg.MetricsPath)
	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("health server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newCoordinator(cfg *config.Config, rdb *redis.Client, db *pgxpool.Pool, logger *slog.Logger, kind string) *cluster.Coordinator {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = fmt.Sprintf("%s-%s-%s", kind, host, uuid.New().String()[:8])
	}
	return cluster.New(rdb, db, logger, nodeID, kind, host, cfg.ListenAddr())
}

// weeklyReportJob builds the Monday-morning ticket-actions report and posts
// it to the metrics topic (falling back to the ping topic).
func weeklyReportJob(reconciler *ticket.Reconciler, manager *messaging.Manager, router *notify.Router, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		msg, err := reconciler.WeeklyReportMessage(ctx)
		if err != nil {
			return fmt.Errorf("building weekly report: %w", err)
		}
		dest, ok := router.MetricsDest()
		if !ok {
			dest = router.PingDest()
		}
		if _, err := manager.Send(ctx, dest, msg); err != nil {
			return fmt.Errorf("sending weekly report: %w", err)
		}
		logger.Info("weekly ticket-actions report sent")
		return nil
	}
}

// cleanupEphemeralTopics is the boot-time sweep of the employee-search
// topic: every pending-deletion row there is drained once, skipping the
// pinned instruction message, and removed unconditionally.
func cleanupEphemeralTopics(ctx context.Context, manager *messaging.Manager, msgStore *store.MessageStore, cfg notify.Config, logger *slog.Logger) {
	topic := cfg.Topics.Employee
	if topic == 0 || cfg.ChatID == 0 {
		return
	}

	rows, err := msgStore.ByTopic(ctx, cfg.ChatID, topic)
	if err != nil {
		logger.Error("loading ephemeral-topic deletions for startup cleanup", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	instructionID, err := msgStore.GetMessageID(ctx, cfg.ChatID, &topic, "instruction")
	if err != nil && !errors.Is(err, errkind.NotFound) {
		logger.Error("loading instruction message id", "error", err)
	}

	ids := make([]int, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.MessageID)
	}
	dest := messaging.Destination{ChatID: cfg.ChatID, TopicID: &topic}
	manager.CleanupEphemeralTopic(ctx, dest, ids, instructionID)
	logger.Info("startup ephemeral-topic cleanup done", "topic", topic, "messages", len(ids))
}

func allowedTopicSet(cfg *config.Config) []int {
	if len(cfg.AllowedTopics) > 0 {
		return cfg.AllowedTopics
	}
	// Default to the topics the bot itself writes ephemerally into.
	var out []int
	for _, t := range []int{cfg.TopicTasks, cfg.TopicEmployee, cfg.TopicPing} {
		if t != 0 {
			out = append(out, t)
		}
	}
	return out
}
