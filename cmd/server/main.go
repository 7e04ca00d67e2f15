package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sundersouls/SlideCollab/internal/api"
	"github.com/sundersouls/SlideCollab/internal/broadcast"
	"github.com/sundersouls/SlideCollab/internal/config"
	"github.com/sundersouls/SlideCollab/internal/logging"
	"github.com/sundersouls/SlideCollab/internal/persist"
	"github.com/sundersouls/SlideCollab/internal/registry"
	"github.com/sundersouls/SlideCollab/internal/store"
	"github.com/sundersouls/SlideCollab/internal/ws"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatal("initialize database", zap.Error(err))
	}
	defer st.Close()

	persister := persist.New(st, persist.Config{
		Debounce:   cfg.Persist.Debounce,
		MaxRetries: cfg.Persist.MaxRetries,
		QueueSize:  cfg.Persist.QueueSize,
	}, logger)
	persister.Start()

	reg := registry.New(st, persister, registry.Config{
		EvictAfter:   cfg.Room.EvictAfter,
		ResumeWindow: cfg.Room.ResumeWindow,
	}, logger)
	reg.StartEviction()

	sinks := broadcast.NewRegistry()

	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()

	var broadcaster broadcast.Broadcaster
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(busCtx).Err(); err != nil {
			logger.Fatal("connect redis", zap.Error(err))
		}
		bus := broadcast.NewRedis(client, sinks, logger)
		go func() {
			if err := bus.Run(busCtx); err != nil && busCtx.Err() == nil {
				logger.Error("broadcast bus stopped", zap.Error(err))
			}
		}()
		broadcaster = bus
		logger.Info("broadcast bus enabled", zap.String("redis_addr", cfg.Redis.Addr))
	} else {
		broadcaster = broadcast.NewLocal(sinks)
	}

	hub := ws.NewHub(reg, sinks, broadcaster, persister, logger)

	router := mux.NewRouter()
	api.New(st, reg, sinks, logger).Register(router)
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, w, r)
	})

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	server := &http.Server{
		Addr:    addr,
		Handler: corsMiddleware(router),
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("db_path", cfg.DBPath))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen and serve", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Teardown runs on the main goroutine so the final synchronizer flush
	// completes before the process exits.
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	busCancel()
	reg.Stop()
	persister.Stop()
	st.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
