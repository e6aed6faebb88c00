package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wfunc/knighttour/auth"
	"github.com/wfunc/knighttour/broadcast"
	"github.com/wfunc/knighttour/config"
	"github.com/wfunc/knighttour/logger"
	"github.com/wfunc/knighttour/monitor"
	"github.com/wfunc/knighttour/persistence"
	"github.com/wfunc/knighttour/room"
	"github.com/wfunc/knighttour/rpc"
	"github.com/wfunc/knighttour/server"
	"github.com/wfunc/knighttour/session"
	"github.com/wfunc/knighttour/timer"
)

func main() {
	// Initialize logger
	logger.Init()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Database
	db, err := openStore(cfg)
	if err != nil {
		logger.Log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Log.Infow("Database connection successful.", "driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Change propagation
	bus := broadcast.NewBus(cfg.Game.EventBuffer)
	defer bus.Close()
	var publisher broadcast.Publisher = bus
	var subscriber broadcast.Subscriber = bus
	subscriberCount := bus.SubscriberCount
	viewersOnBus := true

	switch {
	case cfg.Database.ListenNotify:
		// 行触发器已经为每次变更发出 NOTIFY，管理器无需再发布
		listener, err := broadcast.NewPGListener(postgresDSN(cfg), persistence.NotifyChannel, bus)
		if err != nil {
			logger.Log.Fatalf("Failed to start LISTEN bridge: %v", err)
		}
		defer listener.Close()
		go listener.Run(ctx)
		publisher = nil
		if cfg.Redis.Enabled {
			logger.Log.Warn("redis.enabled is ignored while database.listen_notify is on")
		}
	case cfg.Redis.Enabled:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Log.Fatalf("Failed to connect to redis: %v", err)
		}
		redisBroadcaster := broadcast.NewRedisBroadcaster(client, cfg.Redis.Prefix, cfg.Game.EventBuffer)
		defer redisBroadcaster.Close()
		publisher, subscriber = redisBroadcaster, redisBroadcaster
		subscriberCount = redisBroadcaster.SubscriberCount
		viewersOnBus = false
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mon := monitor.NewMonitor(cfg.Server.MetricsNamespace, registry)
	mon.TrackGauge("event_subscribers", "Open event subscriptions held by viewers", func() float64 {
		return float64(subscriberCount())
	})
	mon.PublishExpvar()

	sessions := session.NewManager()
	opts := []room.Option{
		room.WithDetacher(sessions),
		room.WithObserver(mon),
		room.WithDefaultBoardSize(cfg.Game.DefaultBoardSize),
	}
	if publisher != nil {
		opts = append(opts, room.WithPublisher(publisher))
	}
	rooms := room.NewManager(db, opts...)

	// Housekeeping
	scheduler := timer.NewScheduler(time.Second)
	if cfg.Game.IdleTimeout > 0 {
		scheduler.Every("sweep_idle_sessions", cfg.Game.IdleTimeout/2, func() {
			if n := sessions.SweepIdle(cfg.Game.IdleTimeout); n > 0 {
				logger.Log.Infow("idle sessions closed", "count", n)
			}
		})
	}
	if cfg.Game.ResyncInterval > 0 && viewersOnBus {
		// 兜底：即使通知丢失，所有观看者也会定期全量重读
		scheduler.Every("resync_viewers", cfg.Game.ResyncInterval, func() {
			if err := bus.Publish(ctx, broadcast.NewEvent("", broadcast.KindResync, broadcast.OpUpdate)); err != nil {
				logger.Log.Warnw("periodic resync failed", "error", err)
			}
		})
	}
	go scheduler.Run(ctx)

	// RPC
	rpcServer, err := rpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		logger.Log.Fatalf("Failed to create RPC server: %v", err)
	}
	if err := rpcServer.Register(rpc.NewRoomService(rooms)); err != nil {
		logger.Log.Fatalf("Failed to register RPC service: %v", err)
	}
	go rpcServer.Start()
	defer rpcServer.Stop()

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	gameServer := server.NewGameServer(server.Options{
		Addr:           cfg.Server.HTTPAddress,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Heartbeat:      cfg.Server.Heartbeat,
	}, rooms, sessions, subscriber, verifier, mon)

	// Start Server
	go func() {
		logger.Log.Infof("Starting game server on %s", cfg.Server.HTTPAddress)
		if err := gameServer.Start(); err != nil {
			logger.Log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gameServer.Shutdown(shutdownCtx); err != nil {
		logger.Log.Errorf("Server shutdown: %v", err)
	}
}

func postgresDSN(cfg *config.Config) string {
	pg := cfg.Database.Postgres
	return persistence.PostgresDSN(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
}

func openStore(cfg *config.Config) (persistence.Database, error) {
	switch cfg.Database.Driver {
	case "memory":
		logger.Log.Warn("using the in-memory store; state is lost on restart")
		return persistence.NewMemory(), nil
	case "mysql":
		my := cfg.Database.MySQL
		store, err := persistence.NewGormMySQL(persistence.MySQLDSN(my.Host, my.Port, my.User, my.Password, my.DBName))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := persistence.NewGormPostgreSQL(postgresDSN(cfg))
	if err != nil {
		return nil, err
	}
	return store, nil
}
