package settlement

import (
	"context"
	"net/http"

	"partnerpay/internal/settlement/activation"
	"partnerpay/internal/settlement/deposit"
	"partnerpay/internal/settlement/dispatch"
	settlehttp "partnerpay/internal/settlement/http"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/partner"
	"partnerpay/internal/settlement/pay"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/settle"
	"partnerpay/internal/settlement/ws"
)

type moduleState struct {
	conn         *repo.Conn
	ordersRepo   *repo.OrdersRepo
	bookingsRepo *repo.BookingsRepo
	partnersRepo *repo.PartnersRepo
	outboxRepo   *repo.OutboxRepo
	partnerHub   *ws.PartnerHub
	payClient    *pay.Client
	deposits     *deposit.Engine
	partners     *partner.Service
	handler      *settle.Handler
	dispatcher   *dispatch.Dispatcher
	server       *settlehttp.Server
	relay        *notify.Relay
}

func ensureModule(deps *SettlementDeps) (*moduleState, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if deps.module != nil {
		return deps.module, nil
	}
	cfg := deps.Config
	logger := deps.Logger

	conn := repo.NewConn(deps.DB, deps.Driver)
	ordersRepo := repo.NewOrdersRepo(conn)
	bookingsRepo := repo.NewBookingsRepo(conn)
	fulfillmentsRepo := repo.NewFulfillmentsRepo(conn)
	snapshotsRepo := repo.NewSnapshotsRepo(conn)
	partnersRepo := repo.NewPartnersRepo(conn)
	requestsRepo := repo.NewDepositRequestsRepo(conn)
	rules := repo.NewRuleCache(deps.RDB, repo.NewDepositRulesRepo(conn), cfg.RuleCacheTTL)
	outboxRepo := repo.NewOutboxRepo(conn)
	auditRepo := repo.NewAuditRepo(conn)

	partnerHub := ws.NewPartnerHub(logger)

	activator, err := activation.New(activation.Config{
		Fulfillments: fulfillmentsRepo,
		Snapshots:    snapshotsRepo,
		Orders:       ordersRepo,
		Outbox:       outboxRepo,
		Hub:          partnerHub,
		Window:       cfg.AcceptWindow,
		Logger:       logger.With("component", "activation"),
	})
	if err != nil {
		return nil, err
	}

	var payClient *pay.Client
	var engine *deposit.Engine
	if cfg.GatewayConfigured() {
		payClient, err = pay.NewClient(pay.ClientConfig{
			BaseURL:    cfg.GatewayURL,
			APIKey:     cfg.GatewayKey,
			SuccessURL: cfg.DepositSuccess,
			CancelURL:  cfg.DepositCancel,
			Client:     deps.HTTPClient,
			Logger:     logger.With("component", "pay"),
		})
		if err != nil {
			return nil, err
		}
		engine, err = deposit.New(deposit.Config{
			Rules:        rules,
			Requests:     requestsRepo,
			Snapshots:    snapshotsRepo,
			Fulfillments: fulfillmentsRepo,
			Bookings:     bookingsRepo,
			Gateway:      payClient,
			Outbox:       outboxRepo,
			Hub:          partnerHub,
			Logger:       logger.With("component", "deposit"),
		})
		if err != nil {
			return nil, err
		}
	}

	partnerCfg := partner.Config{
		Fulfillments:    fulfillmentsRepo,
		Partners:        partnersRepo,
		Orders:          ordersRepo,
		Audit:           auditRepo,
		Outbox:          outboxRepo,
		Hub:             partnerHub,
		DepositsEnabled: cfg.DepositsEnabled,
		Logger:          logger.With("component", "partner"),
	}
	handlerCfg := settle.Config{
		Orders:        ordersRepo,
		Bookings:      bookingsRepo,
		Activator:     activator,
		Audit:         auditRepo,
		Rewards:       repo.NewRewardsRepo(conn),
		Discounts:     repo.NewDiscountsRepo(conn),
		Inventory:     repo.NewInventoryRepo(conn),
		Carts:         repo.NewCartsRepo(conn),
		Subscriptions: repo.NewSubscriptionsRepo(conn),
		Outbox:        outboxRepo,
		Logger:        logger.With("component", "settle"),
	}
	// Interface fields stay nil, not typed-nil, when no gateway is configured.
	if engine != nil {
		partnerCfg.Deposits = engine
		handlerCfg.Deposits = engine
	}

	partners, err := partner.NewService(partnerCfg)
	if err != nil {
		return nil, err
	}
	handler, err := settle.NewHandler(handlerCfg)
	if err != nil {
		return nil, err
	}
	dispatcher := dispatch.NewSettlement(handler, logger.With("component", "dispatch"))

	serverCfg := settlehttp.Config{
		WebhookSecret:     cfg.WebhookSecret,
		Tolerance:         cfg.WebhookTolerance,
		Dispatcher:        dispatcher,
		Webhooks:          repo.NewWebhooksRepo(conn),
		Archive:           deps.Archive,
		Partner:           partners,
		Members:           partnersRepo,
		Feed:              partnerHub,
		GatewayConfigured: cfg.GatewayConfigured(),
		DepositsEnabled:   cfg.DepositsEnabled,
		Logger:            logger.With("component", "http"),
	}
	server := settlehttp.NewServer(serverCfg)

	var relay *notify.Relay
	if deps.Pusher != nil {
		relay, err = notify.NewRelay(notify.RelayConfig{
			Store:     outboxRepo,
			Tokens:    repo.NewDeviceTokensRepo(conn),
			Members:   partnersRepo,
			Pusher:    deps.Pusher,
			Logger:    logger.With("component", "outbox"),
			Interval:  cfg.RelayInterval,
			BatchSize: cfg.RelayBatch,
		})
		if err != nil {
			return nil, err
		}
	}

	deps.module = &moduleState{
		conn:         conn,
		ordersRepo:   ordersRepo,
		bookingsRepo: bookingsRepo,
		partnersRepo: partnersRepo,
		outboxRepo:   outboxRepo,
		partnerHub:   partnerHub,
		payClient:    payClient,
		deposits:     engine,
		partners:     partners,
		handler:      handler,
		dispatcher:   dispatcher,
		server:       server,
		relay:        relay,
	}
	return deps.module, nil
}

// RegisterSettlementRoutes wires the webhook and partner routes into the provided mux.
func RegisterSettlementRoutes(mux *http.ServeMux, deps *SettlementDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	module.server.RegisterRoutes(mux)
	return nil
}

// SettlementServer returns the module's HTTP server for routers other than
// http.ServeMux.
func SettlementServer(deps *SettlementDeps) (*settlehttp.Server, error) {
	module, err := ensureModule(deps)
	if err != nil {
		return nil, err
	}
	return module.server, nil
}

// StartSettlementWorkers launches the outbox relay. It is a no-op without a Pusher.
func StartSettlementWorkers(ctx context.Context, deps *SettlementDeps) error {
	module, err := ensureModule(deps)
	if err != nil {
		return err
	}
	if module.relay == nil {
		deps.Logger.Warn("outbox relay disabled: no pusher configured")
		return nil
	}
	go module.relay.Run(ctx)
	return nil
}
