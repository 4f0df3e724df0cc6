package settlement

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultWebhookTolerance = 300 * time.Second
	defaultAcceptWindow     = 240 * time.Minute
	defaultRuleCacheTTL     = 60 * time.Second
	defaultRelayInterval    = 15 * time.Second
	defaultRelayBatch       = 50
)

// SettlementConfig holds runtime configuration for the settlement module.
type SettlementConfig struct {
	WebhookSecret    string
	WebhookTolerance time.Duration
	AcceptWindow     time.Duration
	DepositsEnabled  bool
	RuleCacheTTL     time.Duration
	GatewayURL       string
	GatewayKey       string
	DepositSuccess   string
	DepositCancel    string
	RelayInterval    time.Duration
	RelayBatch       int
	ArchiveBucket    string
}

// GatewayConfigured reports whether deposit links can be created.
func (c SettlementConfig) GatewayConfigured() bool {
	return c.GatewayURL != "" && c.GatewayKey != ""
}

// LoadSettlementConfig reads configuration from environment variables and applies defaults.
func LoadSettlementConfig() (SettlementConfig, error) {
	cfg := SettlementConfig{
		WebhookTolerance: defaultWebhookTolerance,
		AcceptWindow:     defaultAcceptWindow,
		RuleCacheTTL:     defaultRuleCacheTTL,
		RelayInterval:    defaultRelayInterval,
		RelayBatch:       defaultRelayBatch,
	}

	cfg.WebhookSecret = strings.TrimSpace(os.Getenv("WEBHOOK_SECRET"))
	if cfg.WebhookSecret == "" {
		return SettlementConfig{}, fmt.Errorf("WEBHOOK_SECRET is required")
	}

	if v, err := readDurationEnv("WEBHOOK_TOLERANCE_SECONDS", time.Second); err != nil {
		return SettlementConfig{}, fmt.Errorf("parse WEBHOOK_TOLERANCE_SECONDS: %w", err)
	} else if v != nil {
		cfg.WebhookTolerance = *v
	}

	if v, err := readDurationEnv("SLA_ACCEPT_WINDOW_MINUTES", time.Minute); err != nil {
		return SettlementConfig{}, fmt.Errorf("parse SLA_ACCEPT_WINDOW_MINUTES: %w", err)
	} else if v != nil {
		cfg.AcceptWindow = *v
	}

	if v, err := readBoolEnv("DEPOSITS_ENABLED"); err != nil {
		return SettlementConfig{}, fmt.Errorf("parse DEPOSITS_ENABLED: %w", err)
	} else if v != nil {
		cfg.DepositsEnabled = *v
	}

	if v, err := readDurationEnv("DEPOSIT_RULE_CACHE_SECONDS", time.Second); err != nil {
		return SettlementConfig{}, fmt.Errorf("parse DEPOSIT_RULE_CACHE_SECONDS: %w", err)
	} else if v != nil {
		cfg.RuleCacheTTL = *v
	}

	if v, err := readDurationEnv("OUTBOX_RELAY_INTERVAL_SECONDS", time.Second); err != nil {
		return SettlementConfig{}, fmt.Errorf("parse OUTBOX_RELAY_INTERVAL_SECONDS: %w", err)
	} else if v != nil {
		cfg.RelayInterval = *v
	}

	if v, err := readIntEnv("OUTBOX_RELAY_BATCH"); err != nil {
		return SettlementConfig{}, fmt.Errorf("parse OUTBOX_RELAY_BATCH: %w", err)
	} else if v != nil {
		cfg.RelayBatch = *v
	}

	cfg.GatewayURL = os.Getenv("PAYMENT_GATEWAY_URL")
	cfg.GatewayKey = os.Getenv("PAYMENT_GATEWAY_KEY")
	cfg.DepositSuccess = os.Getenv("DEPOSIT_SUCCESS_URL")
	cfg.DepositCancel = os.Getenv("DEPOSIT_CANCEL_URL")
	cfg.ArchiveBucket = os.Getenv("WEBHOOK_ARCHIVE_BUCKET")

	if cfg.DepositsEnabled && !cfg.GatewayConfigured() {
		return SettlementConfig{}, fmt.Errorf("DEPOSITS_ENABLED requires PAYMENT_GATEWAY_URL and PAYMENT_GATEWAY_KEY")
	}
	if cfg.WebhookTolerance <= 0 || cfg.AcceptWindow <= 0 || cfg.RelayInterval <= 0 {
		return SettlementConfig{}, fmt.Errorf("durations must be positive")
	}
	if cfg.RelayBatch <= 0 {
		return SettlementConfig{}, fmt.Errorf("OUTBOX_RELAY_BATCH must be positive")
	}

	return cfg, nil
}

func readIntEnv(name string) (*int, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readBoolEnv(name string) (*bool, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(val)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// readDurationEnv reads an integer count of unit.
func readDurationEnv(name string, unit time.Duration) (*time.Duration, error) {
	n, err := readIntEnv(name)
	if err != nil || n == nil {
		return nil, err
	}
	d := time.Duration(*n) * unit
	return &d, nil
}
