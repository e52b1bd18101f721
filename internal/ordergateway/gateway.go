// Package ordergateway talks to the external order-management service that
// issues the ticket backing each registration.
package ordergateway

import (
	"context"
	"time"
)

// OrderRequest is one attendee order for an event.
type OrderRequest struct {
	EventRef string `json:"-"`
	ItemID   int    `json:"item"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	// Reference ties the order to our user for reconciliation.
	Reference string `json:"reference"`
	// IdempotencyKey lets the gateway collapse duplicate submissions.
	IdempotencyKey string            `json:"-"`
	Answers        map[string]string `json:"answers,omitempty"`
}

// Order is the gateway's view of an order.
type Order struct {
	Code     string    `json:"code"`
	Status   string    `json:"status"`
	Email    string    `json:"email,omitempty"`
	Datetime time.Time `json:"datetime"`
	Total    string    `json:"total"`
}

// Gateway is the contract of the external order-management service.
type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, eventRef, orderCode string) (*Order, error)
	GetOrderStatus(ctx context.Context, eventRef, orderCode string) (*Order, error)
}
