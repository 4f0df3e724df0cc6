package settlement

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	settlehttp "partnerpay/internal/settlement/http"
	"partnerpay/internal/settlement/notify"
)

// SettlementDeps groups external dependencies needed by the settlement module.
type SettlementDeps struct {
	DB *sql.DB
	// Driver is the database/sql driver name, "mysql" or "pgx".
	Driver string
	// RDB caches deposit rules; nil disables the cache.
	RDB        *redis.Client
	Logger     *slog.Logger
	Config     SettlementConfig
	HTTPClient *http.Client
	// Archive stores raw webhook bodies; nil disables archiving.
	Archive settlehttp.Archiver
	// Pusher delivers outbox notifications; nil disables the relay.
	Pusher notify.Pusher
	module *moduleState
}

// Validate ensures required dependencies are provided.
func (d *SettlementDeps) Validate() error {
	if d.DB == nil {
		return errors.New("settlement deps: DB is required")
	}
	if d.Logger == nil {
		return errors.New("settlement deps: Logger is required")
	}
	if d.Config.WebhookSecret == "" {
		return errors.New("settlement deps: webhook secret is required")
	}
	if d.Driver == "" {
		d.Driver = "mysql"
	}
	if d.HTTPClient == nil {
		d.HTTPClient = http.DefaultClient
	}
	return nil
}
