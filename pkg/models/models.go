package models

import "time"

// TokenType distinguishes the two credential records an identity can hold.
type TokenType string

const (
	TokenTypeRefresh TokenType = "refresh"
	TokenTypeAccess  TokenType = "access"
)

// Identity is a registered principal holding its own credential pair
// against the brokerage API.
type Identity struct {
	Name          string    `json:"name"`
	Active        bool      `json:"active"`
	HasValidToken bool      `json:"has_valid_token"`
	LastRefresh   time.Time `json:"last_refresh,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// TokenRecord is a refresh or access token persisted encrypted at rest.
// Ciphertext and IV are hex encoded. At most one active record of each
// type exists per identity; superseded records are retired, not deleted.
type TokenRecord struct {
	Identity   string    `json:"identity"`
	Type       TokenType `json:"type"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	APIServer  string    `json:"api_server,omitempty"` // access tokens only
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"active"`
	UseCount   int64     `json:"use_count"`
	ErrCount   int64     `json:"err_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SymbolRecord maps a ticker to the provider's numeric ID. The ID is
// stable once assigned; descriptive fields are refreshed when stale.
type SymbolRecord struct {
	Ticker            string    `json:"ticker"`
	SymbolID          int64     `json:"symbol_id"`
	Description       string    `json:"description,omitempty"`
	Exchange          string    `json:"exchange,omitempty"`
	Currency          string    `json:"currency,omitempty"`
	SecurityType      string    `json:"security_type,omitempty"`
	PrevDayClosePrice float64   `json:"prev_day_close_price"`
	DetailRefreshedAt time.Time `json:"detail_refreshed_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// QuoteSnapshot is the latest quote for a ticker. Day-change fields are
// computed from the last trade vs. the symbol's previous close.
type QuoteSnapshot struct {
	Ticker           string    `json:"ticker"`
	SymbolID         int64     `json:"symbol_id"`
	BidPrice         float64   `json:"bid_price"`
	BidSize          float64   `json:"bid_size"`
	AskPrice         float64   `json:"ask_price"`
	AskSize          float64   `json:"ask_size"`
	LastTradePrice   float64   `json:"last_trade_price"`
	LastTradeSize    float64   `json:"last_trade_size"`
	Volume           float64   `json:"volume"`
	DayChange        float64   `json:"day_change"`
	DayChangePercent float64   `json:"day_change_percent"`
	Delayed          bool      `json:"delayed"`
	FetchedAt        time.Time `json:"fetched_at"`
}

// Position is a current holding reported by the provider, used as a
// cheap symbol-resolution source before hitting the search API.
type Position struct {
	Ticker   string `json:"ticker"`
	SymbolID int64  `json:"symbol_id"`
}
