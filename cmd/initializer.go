package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"

	firebase "firebase.google.com/go"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"partnerpay/internal/config"
	"partnerpay/internal/settlement"
	"partnerpay/internal/settlement/archive"
	settlehttp "partnerpay/internal/settlement/http"
	"partnerpay/internal/settlement/notify"
)

type application struct {
	errorLog   *log.Logger
	infoLog    *log.Logger
	jwtSecret  []byte
	settlement *settlehttp.Server
}

func initializeApp(deps *settlement.SettlementDeps, cfg config.Config, errorLog, infoLog *log.Logger) (*application, error) {
	server, err := settlement.SettlementServer(deps)
	if err != nil {
		return nil, err
	}
	return &application{
		errorLog:   errorLog,
		infoLog:    infoLog,
		jwtSecret:  []byte(cfg.Auth.JWTSecret),
		settlement: server,
	}, nil
}

// normalizeDSN forces parseTime on MySQL DSNs; the repositories scan
// DATETIME columns into time values.
func normalizeDSN(driver, dsn string) (string, error) {
	if driver != "mysql" {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

func openDB(driver, dsn string) (*sql.DB, error) {
	dsn, err := normalizeDSN(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Printf("Failed to open DB: %v", err)
		return nil, err
	}
	if err = db.Ping(); err != nil {
		log.Printf("Failed to ping DB: %v", err)
		return nil, err
	}
	db.SetMaxIdleConns(35)
	log.Println("Successfully connected to database")
	return db, nil
}

// openRedis returns nil when redis is not configured or unreachable; deposit
// rules are then read straight from the database.
func openRedis(ctx context.Context, cfg config.Config, infoLog, errorLog *log.Logger) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		errorLog.Printf("redis unavailable, rule cache disabled: %v", err)
		_ = rdb.Close()
		return nil
	}
	infoLog.Printf("Connected to redis at %s", cfg.Redis.Addr)
	return rdb
}

func newArchive(cfg config.Config, scfg settlement.SettlementConfig, errorLog *log.Logger) *archive.S3Store {
	if scfg.ArchiveBucket == "" {
		return nil
	}
	client, err := archive.NewS3Client(archive.S3Config{
		Bucket:    scfg.ArchiveBucket,
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	})
	if err != nil {
		errorLog.Printf("webhook archive disabled: %v", err)
		return nil
	}
	return archive.NewS3Store(client, scfg.ArchiveBucket)
}

func newPusher(ctx context.Context, cfg config.Config, logger *slog.Logger, errorLog *log.Logger) *notify.FCMPusher {
	if cfg.Firebase.CredentialsFile == "" {
		return nil
	}
	fbApp, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
	if err != nil {
		errorLog.Printf("firebase init failed, push disabled: %v", err)
		return nil
	}
	client, err := fbApp.Messaging(ctx)
	if err != nil {
		errorLog.Printf("firebase messaging failed, push disabled: %v", err)
		return nil
	}
	return notify.NewFCMPusher(client, logger.With("component", "fcm"))
}

func addSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}
