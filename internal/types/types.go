// Package types defines the workspace entity model shared by the store,
// the sync engine, and the reference backend.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies one of the six synchronized record kinds.
type EntityType string

const (
	TypeCustomer  EntityType = "customer"
	TypePart      EntityType = "part"
	TypeLaborItem EntityType = "labor_item"
	TypeJob       EntityType = "job"
	TypeQuote     EntityType = "quote"
	TypeInvoice   EntityType = "invoice"
)

// ItemType distinguishes what a line item references.
type ItemType string

const (
	ItemPart  ItemType = "part"
	ItemLabor ItemType = "labor"
)

// Meta holds the fields every entity carries. Embedded by all entity
// structs; the store owns stamping of ids and timestamps.
type Meta struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EntityID returns the stable, cross-device record id.
func (m *Meta) EntityID() string { return m.ID }

// Entity is implemented by all six record types (as pointers).
type Entity interface {
	EntityID() string
	Metadata() *Meta
}

// Metadata exposes the embedded Meta for stamping.
func (m *Meta) Metadata() *Meta { return m }

// LineItem is one row of a job, quote, or invoice, referencing a part or
// labor item by id. Total is recomputed as quantity times unit price on
// every save.
type LineItem struct {
	ItemType    ItemType        `json:"itemType" validate:"required,oneof=part labor"`
	ItemID      string          `json:"itemId" validate:"required"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Total       decimal.Decimal `json:"total"`
}

// Customer is a workspace customer record.
type Customer struct {
	Meta
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"omitempty,email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
	Notes   string `json:"notes"`
}

// Part is a priced material item referenced by document line items.
type Part struct {
	Meta
	Name        string          `json:"name" validate:"required"`
	SKU         string          `json:"sku"`
	Description string          `json:"description"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
}

// LaborItem is a billable labor rate referenced by document line items.
type LaborItem struct {
	Meta
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description"`
	Rate        decimal.Decimal `json:"rate"`
}

// DocFields holds the fields shared by jobs, quotes, and invoices.
type DocFields struct {
	CustomerID string          `json:"customerId" validate:"required"`
	Title      string          `json:"title"`
	Status     string          `json:"status"`
	Notes      string          `json:"notes"`
	Items      []LineItem      `json:"items" validate:"dive"`
	Subtotal   decimal.Decimal `json:"subtotal"`
}

// LineItems returns the document's line items.
func (d *DocFields) LineItems() []LineItem { return d.Items }

// SetLineItems replaces the document's line items.
func (d *DocFields) SetLineItems(items []LineItem) { d.Items = items }

// SetSubtotal records the recomputed document subtotal.
func (d *DocFields) SetSubtotal(total decimal.Decimal) { d.Subtotal = total }

// Job is scheduled work for a customer.
type Job struct {
	Meta
	DocFields
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// Quote is a priced offer to a customer.
type Quote struct {
	Meta
	DocFields
	ValidUntil *time.Time `json:"validUntil,omitempty"`
}

// Invoice is a billable document issued to a customer.
type Invoice struct {
	Meta
	DocFields
	DueAt *time.Time `json:"dueAt,omitempty"`
}

// Document is implemented by the three line-item-bearing entity types.
type Document interface {
	Entity
	LineItems() []LineItem
	SetLineItems([]LineItem)
	SetSubtotal(decimal.Decimal)
}

var factories = map[EntityType]func() Entity{
	TypeCustomer:  func() Entity { return &Customer{} },
	TypePart:      func() Entity { return &Part{} },
	TypeLaborItem: func() Entity { return &LaborItem{} },
	TypeJob:       func() Entity { return &Job{} },
	TypeQuote:     func() Entity { return &Quote{} },
	TypeInvoice:   func() Entity { return &Invoice{} },
}

// New returns a zero entity of the given type.
func New(et EntityType) (Entity, error) {
	factory, ok := factories[et]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", et)
	}
	return factory(), nil
}

// ParseEntityType validates a wire-format entity type string.
func ParseEntityType(s string) (EntityType, error) {
	et := EntityType(s)
	if _, ok := factories[et]; !ok {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return et, nil
}

// AllEntityTypes returns the entity types in a stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{TypeCustomer, TypePart, TypeLaborItem, TypeJob, TypeQuote, TypeInvoice}
}

// NormalizeTotals recomputes each line item's total as quantity times unit
// price and returns the document subtotal.
func NormalizeTotals(items []LineItem) decimal.Decimal {
	subtotal := decimal.Zero
	for i := range items {
		items[i].Total = items[i].Quantity.Mul(items[i].UnitPrice)
		subtotal = subtotal.Add(items[i].Total)
	}
	return subtotal
}
