package repo

import (
	"database/sql"
	"time"
)

// ResourceType identifies which store owns a fulfillment.
type ResourceType string

const (
	ResourceRetail ResourceType = "retail"
	ResourceCars   ResourceType = "cars"
	ResourceTrips  ResourceType = "trips"
	ResourceHotels ResourceType = "hotels"
)

// ServiceKinds lists the bookable resource types.
var ServiceKinds = []ResourceType{ResourceCars, ResourceTrips, ResourceHotels}

// IsService reports whether the resource is a bookable service.
func (t ResourceType) IsService() bool {
	switch t {
	case ResourceCars, ResourceTrips, ResourceHotels:
		return true
	}
	return false
}

// ParseResourceType accepts both plural and singular forms ("car", "cars").
func ParseResourceType(s string) (ResourceType, bool) {
	switch s {
	case "retail":
		return ResourceRetail, true
	case "cars", "car":
		return ResourceCars, true
	case "trips", "trip":
		return ResourceTrips, true
	case "hotels", "hotel":
		return ResourceHotels, true
	}
	return "", false
}

// bookingTable returns the booking table for a service kind.
func bookingTable(kind ResourceType) (string, bool) {
	switch kind {
	case ResourceCars:
		return "car_bookings", true
	case ResourceTrips:
		return "trip_bookings", true
	case ResourceHotels:
		return "hotel_bookings", true
	}
	return "", false
}

// GatewayRefs carries the payment gateway correlation ids.
type GatewayRefs struct {
	CheckoutSessionID string
	PaymentIntentID   string
	CustomerID        string
}

// Order statuses.
const (
	OrderPending           = "pending"
	OrderConfirmed         = "confirmed"
	OrderCancelled         = "cancelled"
	OrderFailed            = "failed"
	OrderRefunded          = "refunded"
	OrderPartiallyRefunded = "partially_refunded"
)

// Payment statuses shared by orders and bookings.
const (
	PaymentPending           = "pending"
	PaymentPaid              = "paid"
	PaymentFailed            = "failed"
	PaymentRefunded          = "refunded"
	PaymentPartiallyRefunded = "partially_refunded"
)

// Aggregate acceptance statuses stored on orders.
const (
	AcceptanceNone     = "none"
	AcceptancePending  = "pending"
	AcceptanceAccepted = "accepted"
	AcceptanceRejected = "rejected"
)

// Order represents the orders table.
type Order struct {
	ID                string
	UserID            string
	Status            string
	PaymentStatus     string
	Total             float64
	Currency          string
	DiscountID        sql.NullString
	DiscountAmount    float64
	CustomerName      string
	CustomerEmail     string
	CustomerPhone     string
	ShippingAddress   string
	InventoryReserved bool
	AcceptanceStatus  sql.NullString
	CheckoutSessionID sql.NullString
	PaymentIntentID   sql.NullString
	CustomerID        sql.NullString
	ConfirmedAt       sql.NullTime
	PaidAt            sql.NullTime
	CancelledAt       sql.NullTime
	CreatedAt         time.Time
}

// OrderItem represents a line of an order.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	PartnerID sql.NullString
	Title     string
	Quantity  int
	UnitPrice float64
}

// Booking represents a row of one of the service booking tables.
type Booking struct {
	ID                string
	Kind              ResourceType
	UserID            string
	Status            string
	PaymentStatus     string
	PartnerID         sql.NullString
	ResourceID        string
	Total             float64
	Currency          string
	CustomerName      string
	CustomerEmail     string
	CustomerPhone     string
	StartDate         sql.NullTime
	EndDate           sql.NullTime
	Adults            int
	Children          int
	CheckoutSessionID sql.NullString
	PaymentIntentID   sql.NullString
	CustomerID        sql.NullString
	ConfirmedAt       sql.NullTime
	CancelledAt       sql.NullTime
	DepositPaidAt     sql.NullTime
	DepositAmount     sql.NullFloat64
	DepositCurrency   sql.NullString
	CreatedAt         time.Time
}

// Booking statuses.
const (
	BookingPending   = "pending"
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
	BookingFailed    = "failed"
	BookingRefunded  = "refunded"
)

// Fulfillment is the unit of work a single partner owns.
type Fulfillment struct {
	ID                string
	Kind              ResourceType
	OrderID           sql.NullString
	BookingID         sql.NullString
	PartnerID         sql.NullString
	ResourceID        sql.NullString
	Status            string
	SLADeadlineAt     sql.NullTime
	AcceptedAt        sql.NullTime
	AcceptedBy        sql.NullString
	RejectedAt        sql.NullTime
	RejectedBy        sql.NullString
	RejectedReason    sql.NullString
	ContactRevealedAt sql.NullTime
	CreatedAt         time.Time
}

// ParentID returns the owning order or booking id.
func (f Fulfillment) ParentID() string {
	if f.Kind == ResourceRetail {
		return f.OrderID.String
	}
	return f.BookingID.String
}

// Transition describes a guarded fulfillment status change.
type Transition struct {
	From          string
	To            string
	Actor         string
	Reason        string
	At            time.Time
	RevealContact bool
}

// ContactSnapshot is the immutable customer contact copy taken at activation.
type ContactSnapshot struct {
	ID              string
	FulfillmentID   string
	Kind            ResourceType
	CustomerName    string
	CustomerEmail   string
	CustomerPhone   string
	ShippingAddress string
	StartDate       sql.NullTime
	EndDate         sql.NullTime
	Adults          int
	Children        int
	CreatedAt       time.Time
}

// FormSnapshot is the point-in-time copy of the purchase form.
type FormSnapshot struct {
	ID            string
	FulfillmentID string
	Kind          ResourceType
	Payload       []byte
	CreatedAt     time.Time
}

// Deposit modes.
const (
	DepositFlat      = "flat"
	DepositPerDay    = "per_day"
	DepositPerPerson = "per_person"
)

// DepositRule configures the deposit for a resource type, or for a single
// resource when ResourceID is set (an override).
type DepositRule struct {
	ResourceType    ResourceType `json:"resource_type"`
	ResourceID      string       `json:"resource_id,omitempty"`
	Mode            string       `json:"mode"`
	Amount          float64      `json:"amount"`
	Currency        string       `json:"currency"`
	IncludeChildren bool         `json:"include_children"`
	Enabled         bool         `json:"enabled"`
}

// Deposit request statuses.
const (
	DepositPending = "pending"
	DepositPaid    = "paid"
	DepositExpired = "expired"
)

// DepositRequest is the secondary payment collected before contact release.
type DepositRequest struct {
	ID                string
	FulfillmentID     string
	PartnerID         string
	ResourceType      ResourceType
	BookingID         string
	Amount            float64
	Currency          string
	Status            string
	CheckoutSessionID sql.NullString
	PaymentIntentID   sql.NullString
	CheckoutURL       sql.NullString
	PaidAt            sql.NullTime
	ExpiredAt         sql.NullTime
	CreatedAt         time.Time
}

// Partner is a fulfilling business.
type Partner struct {
	ID           string
	Name         string
	ContactEmail string
	Suspended    bool
}

// AuditEntry is one row of the fulfillment/payment history log.
type AuditEntry struct {
	ID        string
	Entity    string
	EntityID  string
	Action    string
	ActorID   string
	Detail    map[string]interface{}
	CreatedAt time.Time
}

// OutboxEntry is a dedupe-keyed notification waiting for delivery.
type OutboxEntry struct {
	ID          string
	Category    string
	Event       string
	RecordID    string
	TableName   string
	Payload     map[string]interface{}
	DedupeKey   string
	Attempts    int
	LastError   sql.NullString
	DeliveredAt sql.NullTime
	CreatedAt   time.Time
}
