package domain

import (
	"time"
)

// Payment methods recognised by the detectors.
const (
	PaymentCash  = "cash"
	PaymentCard  = "card"
	PaymentOther = "other"
)

// Transaction is one point-of-sale record read from the upstream store.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	ScopeID  string `json:"scopeId"` // e.g. branch or store

	// Parties involved
	ActorID          string `json:"actorId"`                    // cashier who rang the sale
	SecondaryActorID string `json:"secondaryActorId,omitempty"` // supervisor or second staff member
	CustomerID       string `json:"customerId,omitempty"`

	// Financial details
	Amount         float64 `json:"amount"`
	DiscountAmount float64 `json:"discountAmount"`
	DiscountReason string  `json:"discountReason,omitempty"`
	PaymentMethod  string  `json:"paymentMethod"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Discounted reports whether the sale carried a discount.
func (t *Transaction) Discounted() bool {
	return t.DiscountAmount > 0
}

// IsCash reports whether the sale was paid in cash.
func (t *Transaction) IsCash() bool {
	return t.PaymentMethod == PaymentCash
}

// Window is the slice of transactions a scan evaluates for one scope.
type Window struct {
	TenantID     string         `json:"tenantId"`
	ScopeID      string         `json:"scopeId"`
	From         time.Time      `json:"from"`
	To           time.Time      `json:"to"`
	Transactions []*Transaction `json:"transactions"`
}

// ActorProfile is display metadata about an employee. It is never used for scoring.
type ActorProfile struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Name     string    `json:"name"`
	Role     string    `json:"role"`
	ScopeID  string    `json:"scopeId"`
	HiredAt  time.Time `json:"hiredAt,omitempty"`
}
