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
	"time"

	apiPkg "github.com/triagehq/triage/internal/api"
	"github.com/triagehq/triage/internal/config"
	"github.com/triagehq/triage/internal/digest"
	"github.com/triagehq/triage/internal/ingest"
	"github.com/triagehq/triage/internal/logbuf"
	"github.com/triagehq/triage/internal/notify"
	"github.com/triagehq/triage/internal/scheduler"
	"github.com/triagehq/triage/internal/store"
	"github.com/triagehq/triage/internal/thread"
	"github.com/triagehq/triage/internal/triage"
	"github.com/triagehq/triage/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (2 modes: file, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("triaged starting", "data_dir", cfg.Queue.DataDir)

	// 1. Open the ticket store
	os.MkdirAll(cfg.Queue.DataDir, 0o755)
	dbPath := filepath.Join(cfg.Queue.DataDir, "queue.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		logger.Error("failed to open ticket store", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Triage engine with async activity logging
	staleAfter := time.Duration(cfg.Queue.StaleAfterHours) * time.Hour
	activity := triage.NewActivityLog(st, logger.With("component", "activity"), 256)
	defer activity.Close()

	engine := triage.New(st, activity, logger.With("component", "engine"),
		triage.WithStaleAfter(staleAfter))
	resolver := thread.NewResolver(st)
	agg := digest.New(
		digest.WithStaleAfter(staleAfter),
		digest.WithTopN(cfg.Queue.DigestTopN),
	)

	// 3. Digest notifiers
	var senders []notify.Sender
	if sc := cfg.Notifiers.Slack; sc != nil {
		s, err := notify.NewSlack(notify.SlackConfig{
			WebhookURL: sc.WebhookURL,
			BotToken:   sc.BotToken,
			Channel:    sc.Channel,
		}, logger.With("notifier", "slack"))
		if err != nil {
			logger.Error("failed to init slack notifier", "error", err)
			os.Exit(1)
		}
		senders = append(senders, s)
		logger.Info("slack notifier configured")
	}
	if tc := cfg.Notifiers.Telegram; tc != nil {
		t, err := notify.NewTelegram(notify.TelegramConfig{
			Token:  tc.Token,
			ChatID: tc.ChatID,
		}, logger.With("notifier", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram notifier", "error", err)
			os.Exit(1)
		}
		senders = append(senders, t)
		logger.Info("telegram notifier configured")
	}
	fanout := notify.NewFanout(logger.With("component", "notify"), senders...)

	svc := &queueService{
		Engine:   engine,
		resolver: resolver,
		agg:      agg,
		fanout:   fanout,
		logger:   logger.With("component", "digest"),
	}

	// 4. Periodic digest
	sched := scheduler.New(logger.With("component", "scheduler"))
	if fanout.Len() > 0 {
		err := sched.Add("digest", cfg.Queue.DigestSchedule, func() {
			dCtx, dCancel := context.WithTimeout(ctx, 30*time.Second)
			defer dCancel()
			if _, err := svc.SendDigest(dCtx); err != nil {
				logger.Error("digest delivery failed", "error", err)
			}
		})
		if err != nil {
			logger.Error("failed to schedule digest", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Info("no notifiers configured, periodic digest disabled")
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 5. Ingest webhook + API server
	var ingestHandler *ingest.Handler
	if cfg.Ingest.Secret != "" || cfg.Ingest.BearerToken != "" {
		ingestHandler = ingest.NewHandler(engine, ingest.Config{
			Secret:      cfg.Ingest.Secret,
			BearerToken: cfg.Ingest.BearerToken,
		}, logger.With("component", "ingest"))
	} else {
		logger.Warn("ingest webhook has no secret or bearer token configured, accepting unauthenticated deliveries")
		ingestHandler = ingest.NewHandler(engine, ingest.Config{}, logger.With("component", "ingest"))
	}

	apiSrv := apiPkg.NewServer(svc, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), ingestHandler, logBuf)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 6. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("triaged stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// queueService implements api.QueueService by composing the engine with
// the thread resolver and the digest pipeline. The lifecycle operations
// come promoted from the embedded engine.
type queueService struct {
	*triage.Engine
	resolver *thread.Resolver
	agg      *digest.Aggregator
	fanout   *notify.Fanout
	logger   *slog.Logger
}

func (s *queueService) Thread(ctx context.Context, key string, filtered bool) ([]*protocol.Message, error) {
	if filtered {
		return s.resolver.CustomerThread(ctx, key)
	}
	// Unfiltered still checks ticket existence so missing keys 404.
	if _, err := s.Engine.GetTicket(ctx, key); err != nil {
		return nil, err
	}
	return s.resolver.Thread(ctx, key)
}

// BuildDigest gathers the digest partitions in priority order: tickets
// the team owes a response, then the unclaimed subset.
func (s *queueService) BuildDigest(ctx context.Context) (*protocol.DigestPayload, bool, error) {
	awaiting, err := s.Engine.ListTickets(ctx, store.ViewNeedsResponse, 0)
	if err != nil {
		return nil, false, err
	}
	unclaimed, err := s.Engine.ListTickets(ctx, store.ViewUnclaimed, 0)
	if err != nil {
		return nil, false, err
	}
	payload, ok := s.agg.Build([]digest.Partition{
		{Name: "awaiting team", Tickets: awaiting},
		{Name: "unclaimed", Tickets: unclaimed},
	})
	return payload, ok, nil
}

// SendDigest builds the digest and fans it out to every configured
// notifier. Returns false when the queue is empty and nothing was sent.
func (s *queueService) SendDigest(ctx context.Context) (bool, error) {
	payload, ok, err := s.BuildDigest(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Debug("queue empty, skipping digest")
		return false, nil
	}
	if s.fanout.Len() == 0 {
		return false, nil
	}
	if err := s.fanout.Send(ctx, payload); err != nil {
		return false, err
	}
	return true, nil
}
