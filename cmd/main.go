package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"partnerpay/internal/config"
	"partnerpay/internal/settlement"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	infoLog := log.New(os.Stdout, "INFO\t", log.Ldate|log.Ltime)
	errorLog := log.New(os.Stderr, "ERROR\t", log.Ldate|log.Ltime|log.Lshortfile)

	cfg, err := config.LoadConfig()
	if err != nil {
		errorLog.Fatal(err)
	}
	settlementCfg, err := settlement.LoadSettlementConfig()
	if err != nil {
		errorLog.Fatal(err)
	}

	port := os.Getenv("PORT")
	switch {
	case port != "":
		port = ":" + port
	case cfg.Server.Address != "":
		port = cfg.Server.Address
	default:
		port = ":4001"
	}

	addr := flag.String("addr", port, "HTTP network address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		errorLog.Fatal(err)
	}
	defer db.Close()

	deps := &settlement.SettlementDeps{
		DB:         db,
		Driver:     cfg.Database.Driver,
		RDB:        openRedis(ctx, cfg, infoLog, errorLog),
		Logger:     logger,
		Config:     settlementCfg,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	if archive := newArchive(cfg, settlementCfg, errorLog); archive != nil {
		deps.Archive = archive
	}
	if pusher := newPusher(ctx, cfg, logger, errorLog); pusher != nil {
		deps.Pusher = pusher
	}

	app, err := initializeApp(deps, cfg, errorLog, infoLog)
	if err != nil {
		errorLog.Fatal(err)
	}
	if err := settlement.StartSettlementWorkers(ctx, deps); err != nil {
		errorLog.Fatal(err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowCredentials: true,
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
	})

	srv := &http.Server{
		Addr:         *addr,
		ErrorLog:     errorLog,
		Handler:      addSecurityHeaders(c.Handler(app.routes())),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errorLog.Printf("shutdown: %v", err)
		}
	}()

	infoLog.Printf("Starting server on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errorLog.Fatal(err)
	}
}
