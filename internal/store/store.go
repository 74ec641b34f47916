package store

import (
	"context"
	"errors"

	"brokerlink/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// IdentityStore persists registered principals.
type IdentityStore interface {
	GetIdentity(ctx context.Context, name string) (*models.Identity, error)
	PutIdentity(ctx context.Context, id *models.Identity) error
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	DeleteIdentity(ctx context.Context, name string) error
}

// TokenStore persists encrypted token records. At most one active record
// per {identity, type}; ReplaceTokens retires current actives first.
type TokenStore interface {
	GetActiveToken(ctx context.Context, identity string, typ models.TokenType) (*models.TokenRecord, error)
	ReplaceTokens(ctx context.Context, identity string, access, refresh *models.TokenRecord) error
	RetireTokens(ctx context.Context, identity string) error
	MarkTokenUsed(ctx context.Context, identity string, typ models.TokenType) error
	MarkTokenErred(ctx context.Context, identity string, typ models.TokenType) error
}

// SymbolStore persists ticker -> provider ID mappings.
type SymbolStore interface {
	GetSymbol(ctx context.Context, ticker string) (*models.SymbolRecord, error)
	GetSymbols(ctx context.Context, tickers []string) (map[string]models.SymbolRecord, error)
	PutSymbol(ctx context.Context, rec *models.SymbolRecord) error
}

// QuoteStore persists the latest snapshot per ticker, used as a warm
// fallback when the upstream is unavailable.
type QuoteStore interface {
	GetQuoteSnapshot(ctx context.Context, ticker string) (*models.QuoteSnapshot, error)
	PutQuoteSnapshots(ctx context.Context, snaps []models.QuoteSnapshot) error
}

// Store is the full durable document store consumed by the core.
type Store interface {
	IdentityStore
	TokenStore
	SymbolStore
	QuoteStore
	Close() error
}
