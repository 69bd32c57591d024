// Package server wires the stores, the scheduler engine, delivery
// transports and HTTP handlers into one service.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/nudge/internal/backup"
	"github.com/dukerupert/nudge/internal/config"
	"github.com/dukerupert/nudge/internal/dispatch"
	"github.com/dukerupert/nudge/internal/email"
	"github.com/dukerupert/nudge/internal/fcm"
	"github.com/dukerupert/nudge/internal/handler"
	"github.com/dukerupert/nudge/internal/housekeeping"
	"github.com/dukerupert/nudge/internal/middleware"
	"github.com/dukerupert/nudge/internal/model"
	"github.com/dukerupert/nudge/internal/push"
	"github.com/dukerupert/nudge/internal/scheduler"
	"github.com/dukerupert/nudge/internal/store"
	ws "github.com/dukerupert/nudge/internal/websocket"
)

const limiterCleanupSchedule = "@every 5m"

type Server struct {
	cfg          *config.Config
	db           *sql.DB
	hub          *ws.Hub
	engine       *scheduler.Engine
	dispatcher   *dispatch.Dispatcher
	backups      *backup.Manager
	housekeeping *housekeeping.Runner
	rateLimiter  *middleware.RateLimiter
	scheduleH    *handler.ScheduleHandler
	pushH        *handler.PushHandler
	healthH      *handler.HealthHandler
	logger       *slog.Logger
}

// New builds the service from cfg. Transports are registered for every
// configured delivery channel.
func New(cfg *config.Config, db *sql.DB, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "websocket"))

	schedules := store.NewScheduleStore(db)
	deliveries := store.NewDeliveryStore(db)
	backupStore := store.NewBackupStore(db)

	dispatcher := dispatch.New(logger,
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithRateLimit(cfg.Dispatch.RatePerSecond, cfg.Dispatch.RateBurst),
	)

	var pushSvc *push.Service
	if cfg.WebPush.Enabled() {
		pushSvc = push.NewService(cfg.WebPush.PublicKey, cfg.WebPush.PrivateKey,
			push.WithSubscriber(cfg.WebPush.Subscriber),
			push.WithTTL(int(cfg.WebPush.TTL/time.Second)),
		)
		dispatcher.Register(model.TargetWebPush, pushSvc)
	}

	if cfg.FCM.Enabled() {
		account, err := fcm.LoadServiceAccount(cfg.FCM.ServiceAccountFile)
		if err != nil {
			return nil, err
		}
		client, err := fcm.New(account)
		if err != nil {
			return nil, err
		}
		dispatcher.Register(model.TargetFCM, client)
	}

	if cfg.Email.Enabled() {
		dispatcher.Register(model.TargetEmail, email.NewClient(cfg.Email.PostmarkToken, cfg.Email.From, cfg.Email.BaseURL))
	}

	engine := scheduler.New(schedules, deliveries, dispatcher, logger,
		scheduler.WithEventHandler(hub.Publish),
	)

	backupMgr := backup.NewManager(BackupConfig(cfg), db, backupStore, logger, func(s backup.Status) {
		extra := map[string]any{"inProgress": s.InProgress}
		if s.Error != "" {
			extra["error"] = s.Error
		}
		hub.Broadcast(ws.NewMessage("backup", string(s.State), "", extra))
	})

	rl := middleware.NewRateLimiter(cfg.Server.RatePerMinute, cfg.Server.RateBurst)

	hk := housekeeping.New(logger)
	if cfg.Housekeeping.DeliveryRetention > 0 {
		job := housekeeping.PruneDeliveries(deliveries, cfg.Housekeeping.DeliveryRetention, time.Now, logger.With("component", "housekeeping"))
		if err := hk.Add("prune-deliveries", cfg.Housekeeping.PruneSchedule, job); err != nil {
			return nil, err
		}
	}
	if backupMgr.Enabled() {
		if err := hk.Add("backup", cfg.Backup.Schedule, housekeeping.Backup(backupMgr)); err != nil {
			return nil, err
		}
	}
	if err := hk.Add("limiter-cleanup", limiterCleanupSchedule, housekeeping.CleanupLimiter(rl, cfg.Housekeeping.LimiterIdle)); err != nil {
		return nil, err
	}

	return &Server{
		cfg:          cfg,
		db:           db,
		hub:          hub,
		engine:       engine,
		dispatcher:   dispatcher,
		backups:      backupMgr,
		housekeeping: hk,
		rateLimiter:  rl,
		scheduleH:    handler.NewScheduleHandler(engine, deliveries, dispatcher.Supports, logger.With("component", "schedule")),
		pushH:        handler.NewPushHandler(pushSvc),
		healthH:      handler.NewHealthHandler(db, engine, dispatcher.Stats, hub.ClientCount, logger.With("component", "health")),
		logger:       logger,
	}, nil
}

// BackupConfig maps the backup section of cfg onto the backup manager's
// settings.
func BackupConfig(cfg *config.Config) backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			Region:    cfg.Backup.Region,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
		},
		Prefix:        cfg.Backup.Prefix,
		Passphrase:    cfg.Backup.Passphrase,
		RetentionDays: cfg.Backup.RetentionDays,
	}
}

func (s *Server) Engine() *scheduler.Engine {
	return s.engine
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

func (s *Server) BackupManager() *backup.Manager {
	return s.backups
}

// Start arms every pending schedule and starts the housekeeping jobs.
func (s *Server) Start(ctx context.Context) error {
	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	s.housekeeping.Start()
	return nil
}

// Shutdown stops background work, waiting for in-flight deliveries until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.housekeeping.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop housekeeping: %w", err))
	}
	if err := s.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /schedule", s.rateLimitedHandler(s.scheduleH.Create))
	mux.HandleFunc("POST /schedule/cancel", s.rateLimitedHandler(s.scheduleH.Cancel))
	mux.HandleFunc("POST /schedule/reschedule", s.rateLimitedHandler(s.scheduleH.Reschedule))
	mux.HandleFunc("GET /schedule", s.scheduleH.List)
	mux.HandleFunc("GET /schedule/{id}", s.scheduleH.Get)
	mux.HandleFunc("GET /schedule/{id}/deliveries", s.scheduleH.Deliveries)

	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("GET /health", s.healthH.Health)
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.Server.AllowedOrigins, s.logger.With("component", "websocket")))

	return middleware.RequestLogger(s.logger.With("component", "http"), "/health")(mux)
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	if s.cfg.Server.RatePerMinute <= 0 {
		return h
	}
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP)(h).ServeHTTP
}
