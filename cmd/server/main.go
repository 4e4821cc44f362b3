package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"chatSync/config"
	"chatSync/pkg/api"
	"chatSync/pkg/app"
	"chatSync/pkg/broker/kafka"
	myMiddleware "chatSync/pkg/middleware"
	"chatSync/pkg/obs"
	"chatSync/pkg/repository"
)

func init() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file loaded, relying on process environment")
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Loading configuration: %v", err)
	}

	logger := obs.NewLogger(cfg.Env)
	ctx := context.Background()

	db, err := config.SetupDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	firebaseApp, err := config.SetupFirebase()
	if err != nil {
		logger.Error("unable to initialize firebase", "error", err)
		os.Exit(1)
	}
	firestoreClient, err := firebaseApp.Firestore(ctx)
	if err != nil {
		logger.Error("unable to initialize firestore", "error", err)
		os.Exit(1)
	}
	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		logger.Error("unable to initialize firebase auth", "error", err)
		os.Exit(1)
	}
	firebaseMw, err := myMiddleware.FirebaseConfig(firebaseApp)
	if err != nil {
		logger.Error("unable to initialize auth middleware", "error", err)
		os.Exit(1)
	}

	var mirror api.Mirror
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
		if err != nil {
			logger.Error("unable to connect to kafka", "brokers", cfg.KafkaBrokers, "error", err)
			os.Exit(1)
		}
		defer func() { _ = producer.Close() }()
		mirror = producer
		logger.Info("event mirror enabled", "topic", cfg.KafkaTopic)
	}

	storage := repository.NewStorage(db)
	cache := repository.NewUserCache(firestoreClient)

	hub := api.NewHub(logger)
	broadcaster := api.NewBroadcaster(hub, mirror, cfg.KafkaTopic, logger)

	server := &app.Server{
		Directory:     api.NewDirectoryService(storage, cache, broadcaster, logger),
		Messages:      api.NewMessageService(storage, cache, broadcaster, logger),
		Store:         storage,
		Cache:         cache,
		Hub:           hub,
		Verifier:      app.FirebaseVerifier{Auth: authClient},
		Logger:        logger,
		FirebaseMw:    firebaseMw,
		Addr:          cfg.ServerAddr,
		ShutdownGrace: cfg.ShutdownGrace,
	}

	if err := server.Run(); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
