package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/qingchang/social-deduction-arena/internal/agent/llm"
	"github.com/qingchang/social-deduction-arena/internal/api"
	"github.com/qingchang/social-deduction-arena/internal/clock"
	"github.com/qingchang/social-deduction-arena/internal/config"
	"github.com/qingchang/social-deduction-arena/internal/engine"
	"github.com/qingchang/social-deduction-arena/internal/observability"
	"github.com/qingchang/social-deduction-arena/internal/queue"
	"github.com/qingchang/social-deduction-arena/internal/realtime"
	"github.com/qingchang/social-deduction-arena/internal/room"
)

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: .env file not found")
	}

	fmt.Println("==================================================")
	fmt.Println("   SOCIAL DEDUCTION ARENA SERVER STARTING         ")
	fmt.Println("==================================================")

	cfg := config.Load()
	logger, err := observability.SetupLogger()
	if err != nil {
		log.Fatalf("cannot init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := observability.SetupTracerProvider(ctx, "social-deduction-arena", cfg.TraceStdout, logger)
	if err != nil {
		logger.Fatal("cannot init tracer", zap.Error(err))
	}
	defer tp.Shutdown(ctx)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer.(*prometheus.Registry))

	var provider llm.Provider
	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY not set, agents will use the canned fallback provider")
		provider = llm.NewFallbackProvider()
	} else {
		provider, err = llm.NewProvider(cfg.AIModelProvider, cfg.LLMAPIKey, cfg.AIModelName, cfg.AITemperature)
		if err != nil {
			logger.Fatal("cannot init llm provider", zap.Error(err))
		}
	}
	router := llm.NewRouterWithMetrics(provider, llm.DefaultRouterConfig(), metrics)

	var taskQueue *queue.Queue
	if cfg.RabbitMQURL != "" {
		slogLogger := observability.ZapToSlog(logger)
		taskQueue, err = queue.New(queue.Config{
			URL:       cfg.RabbitMQURL,
			QueueName: "social_deduction_arena_tasks",
			Prefetch:  10,
			Logger:    slogLogger,
		})
		if err != nil {
			logger.Warn("failed to connect to RabbitMQ, falling back to inline dispatch", zap.Error(err))
			taskQueue = nil
		} else {
			logger.Info("task queue connected", zap.String("url", cfg.RabbitMQURL))
			defer taskQueue.Close()
			if err := taskQueue.Start(ctx); err != nil {
				logger.Error("failed to start task queue", zap.Error(err))
			}
		}
	}
	dispatcher := queue.NewDispatcher(taskQueue)

	registry := room.NewRegistry(room.Dependencies{
		Clock:      clock.NewReal(),
		Provider:   router,
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		RoomConfig: engine.Config{
			DiscussionTimeSec:  cfg.DiscussionTimeSec,
			VotingTimeSec:      cfg.VotingTimeSec,
			RoundsToWin:        cfg.RoundsToWin,
			MessageCooldownSec: cfg.MessageCooldownSec,
			MaxConcurrentSpeak: cfg.MaxConcurrentAgentResponses,
		},
	})
	defer registry.Close()

	wsServer := realtime.NewWSServer(registry, logger, metrics)
	server := api.NewServer(registry, cfg, wsServer, logger, metrics)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Router}
	go func() {
		logger.Info("starting server", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
