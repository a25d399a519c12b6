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

	"settlement-service/config"
	"settlement-service/internal/api"
	"settlement-service/internal/broker"
	"settlement-service/internal/ledger"
	"settlement-service/internal/notify"
	"settlement-service/internal/provider"
	"settlement-service/internal/redisclient"
	"settlement-service/internal/refund"
	"settlement-service/internal/settlement"
	"settlement-service/internal/store"
	"settlement-service/internal/util"
	"settlement-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting settlement service")

	tp, err := util.InitTracer("settlement-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	if err := db.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Migrations applied")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	eventsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer eventsProducer.Close()
	emailsProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEmails)
	defer emailsProducer.Close()
	log.Println("Kafka producers initialized")

	eventQueue := broker.NewEventQueue(eventsProducer)
	emailPublisher := broker.NewEmailPublisher(emailsProducer)

	providerClient := provider.NewClient(provider.Config{
		BaseURL:       cfg.Provider.BaseURL,
		SecretKey:     cfg.Provider.SecretKey,
		VerifyTimeout: time.Duration(cfg.Provider.VerifyTimeoutSeconds) * time.Second,
		RefundTimeout: time.Duration(cfg.Provider.RefundTimeoutSeconds) * time.Second,
	})

	flags := notify.NewFlagCache(db, time.Duration(cfg.Business.FlagCacheTTLSeconds)*time.Second)
	dispatcher := notify.NewDispatcher(redisClient, emailPublisher, db, flags)

	stockLedger := ledger.New(db)
	compensator := refund.NewCompensator(providerClient, db, dispatcher)
	processor := settlement.NewProcessor(db, stockLedger, dispatcher, compensator, settlement.Config{
		EventReclaimAfter: time.Duration(cfg.Business.EventReclaimMinutes) * time.Minute,
		LowStockThreshold: cfg.Business.LowStockThreshold,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	eventsConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	settlementWorker := worker.NewSettlementWorker(eventsConsumer, processor)
	go func() {
		if err := settlementWorker.Start(workerCtx); err != nil {
			log.Printf("Settlement worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Processor: processor,
		Verifier:  providerClient,
		Queue:     eventQueue,
		Stock:     stockLedger,
		Orders:    db,
		DB:        db,
		Redis:     redisClient,
	}, cfg.Provider.SecretKey, cfg.Business.LowStockThreshold)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	settlementWorker.Stop()

	log.Println("Server exited")
}
