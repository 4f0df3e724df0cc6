// Package partner applies partner accept/reject decisions to fulfillments.
package partner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"partnerpay/internal/settlement/fsm"
	"partnerpay/internal/settlement/notify"
	"partnerpay/internal/settlement/repo"
	"partnerpay/internal/settlement/sideeffect"
	"partnerpay/internal/settlement/timeutil"
	"partnerpay/internal/settlement/ws"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidAction   = errors.New("invalid action")
	ErrMissingID       = errors.New("fulfillment_id is required")
	ErrNotFound        = errors.New("fulfillment not found")
	ErrMissingPartner  = errors.New("fulfillment has no partner")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("fulfillment is not pending acceptance")
)

// Fulfillments is the fulfillment store surface used by the gateway.
type Fulfillments interface {
	Find(ctx context.Context, id string) (repo.Fulfillment, error)
	Get(ctx context.Context, kind repo.ResourceType, id string) (repo.Fulfillment, error)
	ListByParent(ctx context.Context, kind repo.ResourceType, parentID string) ([]repo.Fulfillment, error)
	Transition(ctx context.Context, kind repo.ResourceType, id string, t repo.Transition) (bool, error)
}

// Partners resolves partners and their members.
type Partners interface {
	Get(ctx context.Context, id string) (repo.Partner, error)
	IsMember(ctx context.Context, partnerID, userID string) (bool, error)
}

// Orders reads retail orders and stores their aggregate acceptance.
type Orders interface {
	Get(ctx context.Context, id string) (repo.Order, error)
	SetAcceptanceStatus(ctx context.Context, id, status string) error
}

// Deposits creates and looks up deposit requests.
type Deposits interface {
	CreateRequest(ctx context.Context, f repo.Fulfillment) (repo.DepositRequest, error)
	Existing(ctx context.Context, fulfillmentID string) (repo.DepositRequest, bool, error)
}

// Auditor writes the fulfillment history.
type Auditor interface {
	Record(ctx context.Context, e repo.AuditEntry) error
}

// Hub pushes realtime events to partner dashboards.
type Hub interface {
	PushPartnerEvent(partnerID string, ev ws.PartnerEvent)
}

// Config wires a Service.
type Config struct {
	Fulfillments    Fulfillments
	Partners        Partners
	Orders          Orders
	Deposits        Deposits
	Audit           Auditor
	Outbox          notify.Enqueuer
	Hub             Hub
	DepositsEnabled bool
	Logger          *slog.Logger
	Now             timeutil.Clock
}

// Service is the partner action gateway.
type Service struct {
	cfg    Config
	runner sideeffect.Runner
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Fulfillments == nil || cfg.Partners == nil || cfg.Orders == nil {
		return nil, errors.New("partner: fulfillments, partners and orders are required")
	}
	if cfg.DepositsEnabled && cfg.Deposits == nil {
		return nil, errors.New("partner: deposits enabled without a deposit engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Now = cfg.Now.OrDefault()
	return &Service{cfg: cfg, runner: sideeffect.NewRunner(cfg.Logger)}, nil
}

// Request is one partner decision.
type Request struct {
	FulfillmentID string
	Action        string
	Reason        string
	UserID        string
}

// DepositView is the deposit state returned to the partner.
type DepositView struct {
	DepositRequestID string  `json:"deposit_request_id"`
	CheckoutURL      string  `json:"checkout_url,omitempty"`
	Status           string  `json:"status"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
}

// Result is the outcome of a decision.
type Result struct {
	FulfillmentID    string       `json:"fulfillment_id"`
	ResourceType     string       `json:"resource_type"`
	Action           string       `json:"action"`
	Status           string       `json:"status"`
	Skipped          bool         `json:"skipped"`
	AcceptanceStatus string       `json:"acceptance_status,omitempty"`
	Deposit          *DepositView `json:"deposit,omitempty"`
}

// Handle authorizes and applies a decision. Repeating a decision that was
// already taken succeeds with Skipped set; any other decision on a settled
// fulfillment is ErrConflict.
func (s *Service) Handle(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return Result{}, ErrUnauthenticated
	}
	action, ok := fsm.ParseAction(strings.ToLower(strings.TrimSpace(req.Action)))
	if !ok {
		return Result{}, ErrInvalidAction
	}
	if strings.TrimSpace(req.FulfillmentID) == "" {
		return Result{}, ErrMissingID
	}

	f, err := s.cfg.Fulfillments.Find(ctx, req.FulfillmentID)
	if errors.Is(err, repo.ErrNotFound) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load fulfillment: %w", err)
	}
	if !f.PartnerID.Valid || f.PartnerID.String == "" {
		return Result{}, ErrMissingPartner
	}
	if err := s.authorize(ctx, f.PartnerID.String, req.UserID); err != nil {
		return Result{}, err
	}

	res := Result{FulfillmentID: f.ID, ResourceType: string(f.Kind), Action: string(action), Status: f.Status}
	if f.Status != fsm.StatusPendingAcceptance {
		return s.settled(ctx, f, action, res)
	}

	switch action {
	case fsm.ActionAccept:
		return s.accept(ctx, f, req, res)
	default:
		return s.reject(ctx, f, req, res)
	}
}

func (s *Service) authorize(ctx context.Context, partnerID, userID string) error {
	member, err := s.cfg.Partners.IsMember(ctx, partnerID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return ErrForbidden
	}
	p, err := s.cfg.Partners.Get(ctx, partnerID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMissingPartner
	}
	if err != nil {
		return fmt.Errorf("load partner: %w", err)
	}
	if p.Suspended {
		return ErrForbidden
	}
	return nil
}

// settled answers a decision on a fulfillment that is no longer pending.
func (s *Service) settled(ctx context.Context, f repo.Fulfillment, action fsm.Action, res Result) (Result, error) {
	// A placeholder waits for the parent payment; nothing can be decided yet.
	if f.Status == fsm.StatusAwaitingPayment && !f.SLADeadlineAt.Valid {
		return res, ErrConflict
	}
	if !fsm.Repeats(action, f.Status) {
		return res, ErrConflict
	}

	res.Skipped = true
	res.Status = f.Status
	if action == fsm.ActionAccept && f.Kind.IsService() && s.cfg.Deposits != nil {
		view, err := s.depositView(ctx, f)
		if err != nil {
			return res, err
		}
		res.Deposit = view
	}
	s.cfg.Logger.InfoContext(ctx, "partner action skipped", "fulfillment_id", f.ID, "action", action, "status", f.Status)
	return res, nil
}

// depositView returns the deposit of a fulfillment. One still waiting on its
// deposit gets a link, which reopens an expired request.
func (s *Service) depositView(ctx context.Context, f repo.Fulfillment) (*DepositView, error) {
	var (
		d     repo.DepositRequest
		found bool
		err   error
	)
	if f.Status == fsm.StatusAwaitingPayment && s.cfg.DepositsEnabled {
		d, err = s.cfg.Deposits.CreateRequest(ctx, f)
		found = err == nil
	} else {
		d, found, err = s.cfg.Deposits.Existing(ctx, f.ID)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return viewOf(d), nil
}

func viewOf(d repo.DepositRequest) *DepositView {
	return &DepositView{
		DepositRequestID: d.ID,
		CheckoutURL:      d.CheckoutURL.String,
		Status:           d.Status,
		Amount:           d.Amount,
		Currency:         d.Currency,
	}
}

func (s *Service) accept(ctx context.Context, f repo.Fulfillment, req Request, res Result) (Result, error) {
	now := s.cfg.Now()
	withDeposit := s.cfg.DepositsEnabled && f.Kind.IsService()
	target := fsm.StatusAccepted
	if withDeposit {
		target = fsm.StatusAwaitingPayment
	}

	ok, err := s.cfg.Fulfillments.Transition(ctx, f.Kind, f.ID, repo.Transition{
		From:          fsm.StatusPendingAcceptance,
		To:            target,
		Actor:         req.UserID,
		At:            now,
		RevealContact: !withDeposit,
	})
	if err != nil {
		return res, fmt.Errorf("accept fulfillment: %w", err)
	}
	if !ok {
		return s.lostRace(ctx, f, fsm.ActionAccept, res)
	}
	f.Status = target
	res.Status = target
	s.cfg.Logger.InfoContext(ctx, "fulfillment accepted", "fulfillment_id", f.ID, "partner_id", f.PartnerID.String, "status", target, "user_id", req.UserID)

	var depositErr error
	if withDeposit {
		d, err := s.cfg.Deposits.CreateRequest(ctx, f)
		if err != nil {
			depositErr = fmt.Errorf("create deposit request: %w", err)
			s.cfg.Logger.WarnContext(ctx, "deposit request failed", "fulfillment_id", f.ID, "err", err)
		} else {
			res.Deposit = viewOf(d)
		}
	}

	attrs := []any{"fulfillment_id", f.ID, "action", "accept"}
	tasks := []sideeffect.Task{
		{Name: "audit", Run: func(ctx context.Context) error {
			return s.audit(ctx, f, req, fsm.ActionAccept, target, now)
		}},
	}
	if f.Kind == repo.ResourceRetail {
		tasks = append(tasks, sideeffect.Task{Name: "aggregate", Run: func(ctx context.Context) error {
			status, err := s.recomputeOrder(ctx, f)
			res.AcceptanceStatus = status
			return err
		}})
	}
	tasks = append(tasks,
		sideeffect.Task{Name: "admin notification", Run: func(ctx context.Context) error {
			return s.notifyAdmin(ctx, f, notify.EventPartnerAccepted, "")
		}},
		sideeffect.Task{Name: "hub", Run: func(ctx context.Context) error {
			s.push(f, notify.EventPartnerAccepted)
			return nil
		}},
	)
	s.runner.Run(ctx, attrs, tasks...)

	return res, depositErr
}

func (s *Service) reject(ctx context.Context, f repo.Fulfillment, req Request, res Result) (Result, error) {
	now := s.cfg.Now()
	ok, err := s.cfg.Fulfillments.Transition(ctx, f.Kind, f.ID, repo.Transition{
		From:   fsm.StatusPendingAcceptance,
		To:     fsm.StatusRejected,
		Actor:  req.UserID,
		Reason: strings.TrimSpace(req.Reason),
		At:     now,
	})
	if err != nil {
		return res, fmt.Errorf("reject fulfillment: %w", err)
	}
	if !ok {
		return s.lostRace(ctx, f, fsm.ActionReject, res)
	}
	f.Status = fsm.StatusRejected
	res.Status = fsm.StatusRejected
	s.cfg.Logger.InfoContext(ctx, "fulfillment rejected", "fulfillment_id", f.ID, "partner_id", f.PartnerID.String, "user_id", req.UserID)

	attrs := []any{"fulfillment_id", f.ID, "action", "reject"}
	tasks := []sideeffect.Task{
		{Name: "audit", Run: func(ctx context.Context) error {
			return s.audit(ctx, f, req, fsm.ActionReject, fsm.StatusRejected, now)
		}},
	}
	if f.Kind == repo.ResourceRetail {
		tasks = append(tasks, sideeffect.Task{Name: "aggregate", Run: func(ctx context.Context) error {
			res.AcceptanceStatus = repo.AcceptanceRejected
			return s.cfg.Orders.SetAcceptanceStatus(ctx, f.OrderID.String, repo.AcceptanceRejected)
		}})
	}
	tasks = append(tasks,
		sideeffect.Task{Name: "admin notification", Run: func(ctx context.Context) error {
			return s.notifyAdmin(ctx, f, notify.EventPartnerRejected, req.Reason)
		}},
		sideeffect.Task{Name: "hub", Run: func(ctx context.Context) error {
			s.push(f, notify.EventPartnerRejected)
			return nil
		}},
	)
	s.runner.Run(ctx, attrs, tasks...)
	return res, nil
}

// lostRace re-reads a fulfillment whose guarded update matched nothing.
func (s *Service) lostRace(ctx context.Context, f repo.Fulfillment, action fsm.Action, res Result) (Result, error) {
	cur, err := s.cfg.Fulfillments.Get(ctx, f.Kind, f.ID)
	if err != nil {
		return res, fmt.Errorf("re-read fulfillment: %w", err)
	}
	res.Status = cur.Status
	if cur.Status == fsm.StatusPendingAcceptance {
		return res, ErrConflict
	}
	return s.settled(ctx, cur, action, res)
}

// recomputeOrder stores the aggregate acceptance of a retail order and, when
// every partner accepted, tells the customer.
func (s *Service) recomputeOrder(ctx context.Context, f repo.Fulfillment) (string, error) {
	orderID := f.OrderID.String
	all, err := s.cfg.Fulfillments.ListByParent(ctx, repo.ResourceRetail, orderID)
	if err != nil {
		return "", err
	}
	status := aggregate(all)
	if err := s.cfg.Orders.SetAcceptanceStatus(ctx, orderID, status); err != nil {
		return status, err
	}
	if status != repo.AcceptanceAccepted || s.cfg.Outbox == nil {
		return status, nil
	}

	order, err := s.cfg.Orders.Get(ctx, orderID)
	if err != nil {
		return status, err
	}
	return status, s.cfg.Outbox.Enqueue(ctx, repo.OutboxEntry{
		Category:  notify.CategoryOrders,
		Event:     notify.EventOrderConfirmed,
		RecordID:  orderID,
		TableName: "orders",
		DedupeKey: notify.Key("order", orderID, notify.EventOrderConfirmed),
		Payload: map[string]interface{}{
			notify.PayloadUserID: order.UserID,
			"order_id":           orderID,
		},
	})
}

func aggregate(all []repo.Fulfillment) string {
	if len(all) == 0 {
		return repo.AcceptanceNone
	}
	accepted := 0
	for _, f := range all {
		switch f.Status {
		case fsm.StatusRejected:
			return repo.AcceptanceRejected
		case fsm.StatusAccepted:
			accepted++
		}
	}
	if accepted == len(all) {
		return repo.AcceptanceAccepted
	}
	return repo.AcceptancePending
}

func (s *Service) audit(ctx context.Context, f repo.Fulfillment, req Request, action fsm.Action, to string, at time.Time) error {
	if s.cfg.Audit == nil {
		return nil
	}
	detail := map[string]interface{}{
		"from":          fsm.StatusPendingAcceptance,
		"to":            to,
		"resource_type": string(f.Kind),
		"partner_id":    f.PartnerID.String,
	}
	if req.Reason != "" {
		detail["reason"] = req.Reason
	}
	return s.cfg.Audit.Record(ctx, repo.AuditEntry{
		Entity:    "fulfillment",
		EntityID:  f.ID,
		Action:    "partner_" + string(action),
		ActorID:   req.UserID,
		Detail:    detail,
		CreatedAt: at,
	})
}

func (s *Service) notifyAdmin(ctx context.Context, f repo.Fulfillment, ev, reason string) error {
	if s.cfg.Outbox == nil {
		return nil
	}
	table := "service_fulfillments"
	if f.Kind == repo.ResourceRetail {
		table = "order_fulfillments"
	}
	payload := map[string]interface{}{
		notify.PayloadPartnerID: f.PartnerID.String,
		"resource_type":         string(f.Kind),
		"parent_id":             f.ParentID(),
		"status":                f.Status,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	return s.cfg.Outbox.Enqueue(ctx, repo.OutboxEntry{
		Category:  notify.CategoryAdmin,
		Event:     ev,
		RecordID:  f.ID,
		TableName: table,
		DedupeKey: notify.Key("fulfillment", f.ID, ev),
		Payload:   payload,
	})
}

func (s *Service) push(f repo.Fulfillment, ev string) {
	if s.cfg.Hub == nil {
		return
	}
	s.cfg.Hub.PushPartnerEvent(f.PartnerID.String, ws.PartnerEvent{
		Type:          ev,
		FulfillmentID: f.ID,
		ResourceType:  string(f.Kind),
		Status:        f.Status,
	})
}
