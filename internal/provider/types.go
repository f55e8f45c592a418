// Package provider wraps the external account-aggregation provider.
// Every outbound call goes through the Facade, which routes it through
// the rate limiter and the tiered cache.
package provider

import (
	"context"
	"time"
)

// Rate-limit resource identifiers, one per endpoint category. Each has
// its own max-requests-per-window, configured in DefaultLimits.
const (
	ResourceAuth         = "provider:auth"
	ResourceAccounts     = "provider:accounts"
	ResourceTransactions = "provider:transactions"
	ResourceHoldings     = "provider:holdings"
	ResourceRefresh      = "provider:refresh"
)

// Cache TTLs per data kind. Account lists change slowly and cache far
// longer than transactions.
const (
	TTLAccounts     = 6 * time.Hour
	TTLHoldings     = time.Hour
	TTLTransactions = 15 * time.Minute
)

// Account is a linked financial account as reported by the provider.
type Account struct {
	ID            string    `json:"id" msgpack:"id"`
	Name          string    `json:"name" msgpack:"name"`
	Type          string    `json:"type" msgpack:"type"`
	Currency      string    `json:"currency" msgpack:"currency"`
	Balance       float64   `json:"balance" msgpack:"balance"`
	InstitutionID string    `json:"institution_id" msgpack:"institution_id"`
	LastRefreshed time.Time `json:"last_refreshed" msgpack:"last_refreshed"`
}

// Transaction is a single posted or pending transaction.
type Transaction struct {
	ID          string    `json:"id" msgpack:"id"`
	AccountID   string    `json:"account_id" msgpack:"account_id"`
	Date        time.Time `json:"date" msgpack:"date"`
	Amount      float64   `json:"amount" msgpack:"amount"`
	Currency    string    `json:"currency" msgpack:"currency"`
	Category    string    `json:"category" msgpack:"category"`
	Description string    `json:"description" msgpack:"description"`
	Pending     bool      `json:"pending" msgpack:"pending"`
}

// Holding is one position inside an investment account.
type Holding struct {
	AccountID string    `json:"account_id" msgpack:"account_id"`
	Symbol    string    `json:"symbol" msgpack:"symbol"`
	Quantity  float64   `json:"quantity" msgpack:"quantity"`
	Price     float64   `json:"price" msgpack:"price"`
	Value     float64   `json:"value" msgpack:"value"`
	Currency  string    `json:"currency" msgpack:"currency"`
	AsOf      time.Time `json:"as_of" msgpack:"as_of"`
}

// RefreshStatus reports the state of a provider-side account refresh.
type RefreshStatus struct {
	AccountID   string     `json:"account_id"`
	Status      string     `json:"status"` // in_progress | completed | failed
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Client is the raw provider API. HTTPClient implements it against the
// real service; tests substitute fakes.
type Client interface {
	Ping(ctx context.Context) error
	GetAccounts(ctx context.Context, token string) ([]Account, error)
	GetTransactions(ctx context.Context, token string, from, to time.Time, accountIDs []string) ([]Transaction, error)
	GetHoldings(ctx context.Context, token string, accountIDs []string) ([]Holding, error)
	RefreshAccount(ctx context.Context, token, accountID string) (RefreshStatus, error)
	GetRefreshStatus(ctx context.Context, token, accountID string) (RefreshStatus, error)
}
