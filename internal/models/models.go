package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ServiceCategory selects which provider pool a job is offered to and which
// commission/fare rules apply downstream.
type ServiceCategory string

const (
	CategoryRide     ServiceCategory = "ride"
	CategoryDelivery ServiceCategory = "delivery"
	CategoryShopping ServiceCategory = "shopping"
)

func (c ServiceCategory) Valid() bool {
	switch c {
	case CategoryRide, CategoryDelivery, CategoryShopping:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job request.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusMatched    JobStatus = "matched"
	StatusArriving   JobStatus = "arriving"
	StatusArrived    JobStatus = "arrived"
	StatusPickedUp   JobStatus = "picked_up"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusCancelled  JobStatus = "cancelled"
)

// AllStatuses lists every lifecycle state in forward order.
var AllStatuses = []JobStatus{
	StatusPending, StatusMatched, StatusArriving, StatusArrived,
	StatusPickedUp, StatusInProgress, StatusCompleted, StatusCancelled,
}

var statusRank = map[JobStatus]int{
	StatusPending:    0,
	StatusMatched:    1,
	StatusArriving:   2,
	StatusArrived:    3,
	StatusPickedUp:   4,
	StatusInProgress: 5,
	StatusCompleted:  6,
	StatusCancelled:  7,
}

// Rank orders statuses by lifecycle progress. Used to suppress stale
// change-feed payloads: an event may only advance local state, never
// rewind it. Unknown statuses rank below everything.
func (s JobStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether the status has no valid outgoing transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Actor roles as reported by the session layer.
const (
	RoleCustomer      = "customer"
	RoleProvider      = "provider"
	RoleAdmin         = "admin"
	RoleAdminOverride = "admin-override"
)

// Job is one customer service request awaiting or undergoing fulfillment.
//
// ProviderID is empty until the job is matched and is retained afterwards
// even through cancellation, as a historical fact. DistanceKm and Synthetic
// are derived at read time and never persisted.
type Job struct {
	ID           string          `json:"id"`
	TrackingCode string          `json:"tracking_code"`
	CustomerID   string          `json:"customer_id"`
	ProviderID   string          `json:"provider_id,omitempty"`
	Category     ServiceCategory `json:"category"`

	Pickup         Coord  `json:"pickup"`
	PickupAddress  string `json:"pickup_address"`
	Dropoff        *Coord `json:"dropoff,omitempty"`
	DropoffAddress string `json:"dropoff_address,omitempty"`

	EstimatedFare float64 `json:"estimated_fare"`
	FinalFare     float64 `json:"final_fare,omitempty"`

	Status JobStatus `json:"status"`

	Details Details `json:"details,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	MatchedAt   *time.Time `json:"matched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelledBy     string `json:"cancelled_by,omitempty"`
	CancelledByRole string `json:"cancelled_by_role,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	// Derived at read time, never written to the store.
	DistanceKm float64 `json:"distance_km,omitempty"`
	Synthetic  bool    `json:"is_synthetic,omitempty"`
}

// Details carries the category-specific fields of a job. Each service
// category has exactly one variant; the Category tag discriminates them.
type Details interface {
	Category() ServiceCategory
}

type RideDetails struct {
	Passengers   int    `json:"passengers"`
	VehicleClass string `json:"vehicle_class,omitempty"`
}

func (RideDetails) Category() ServiceCategory { return CategoryRide }

type DeliveryDetails struct {
	PackageSize   string `json:"package_size,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
	Fragile       bool   `json:"fragile,omitempty"`
}

func (DeliveryDetails) Category() ServiceCategory { return CategoryDelivery }

type ShoppingDetails struct {
	StoreName string `json:"store_name,omitempty"`
	ItemCount int    `json:"item_count,omitempty"`
}

func (ShoppingDetails) Category() ServiceCategory { return CategoryShopping }

// EncodeDetails serializes a details variant for storage. Nil details
// encode as an empty payload.
func EncodeDetails(d Details) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// DecodeDetails deserializes the variant selected by the category tag.
func DecodeDetails(c ServiceCategory, raw []byte) (Details, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var d Details
	switch c {
	case CategoryRide:
		d = &RideDetails{}
	case CategoryDelivery:
		d = &DeliveryDetails{}
	case CategoryShopping:
		d = &ShoppingDetails{}
	default:
		return nil, fmt.Errorf("unknown service category %q", c)
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, err
	}
	return d, nil
}

// UnmarshalJSON decodes the Details variant selected by the category tag.
// Needed because Details is an interface and the change feed carries whole
// job payloads.
func (j *Job) UnmarshalJSON(b []byte) error {
	type alias Job
	aux := struct {
		*alias
		Details json.RawMessage `json:"details,omitempty"`
	}{alias: (*alias)(j)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	d, err := DecodeDetails(j.Category, aux.Details)
	if err != nil {
		return err
	}
	j.Details = d
	return nil
}

// AuditEntry is the write-ahead record of one accepted status mutation.
// Exactly one entry exists per mutation; rejected mutations write nothing.
type AuditEntry struct {
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	TrackingCode string    `json:"tracking_code"`
	OldStatus    JobStatus `json:"old_status"`
	NewStatus    JobStatus `json:"new_status"`
	ActorID      string    `json:"actor_id"`
	ActorRole    string    `json:"actor_role"`
	At           time.Time `json:"at"`
}
