package questrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"brokerlink/internal/apierr"
)

// Auth carries what a REST call needs: a bearer token and the API
// server it was issued against.
type Auth struct {
	AccessToken string
	APIServer   string
}

// TokenExchange is the result of one OAuth refresh-token exchange.
type TokenExchange struct {
	AccessToken  string
	RefreshToken string
	APIServer    string
	ExpiresIn    int64
}

// SymbolResult is one hit from the symbol search or detail endpoints.
type SymbolResult struct {
	Symbol            string
	SymbolID          int64
	Description       string
	Exchange          string
	Currency          string
	SecurityType      string
	PrevDayClosePrice float64
}

// Quote is one sanitized entry from the multi-ID quote endpoint. All
// numeric fields are coerced finite-or-zero before they leave here.
type Quote struct {
	Symbol         string
	SymbolID       int64
	BidPrice       float64
	BidSize        float64
	AskPrice       float64
	AskSize        float64
	LastTradePrice float64
	LastTradeSize  float64
	Volume         float64
	Delayed        bool
}

// Client makes outbound HTTP calls to the brokerage REST API.
type Client struct {
	httpClient      *http.Client
	loginURL        string
	exchangeTimeout time.Duration
	callTimeout     time.Duration
	logger          *zap.Logger
}

type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts overrides the exchange and data-call timeouts.
func WithTimeouts(exchange, call time.Duration) Option {
	return func(c *Client) {
		c.exchangeTimeout = exchange
		c.callTimeout = call
	}
}

func NewClient(loginURL string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:      &http.Client{},
		loginURL:        NormalizeAPIServer(loginURL),
		exchangeTimeout: 15 * time.Second,
		callTimeout:     10 * time.Second,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeAPIServer strips trailing slashes and defaults the scheme to
// https. Applied uniformly wherever a base URL is stored or used.
func NormalizeAPIServer(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "/")
	if s == "" {
		return s
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	return s
}

// ExchangeRefreshToken trades a refresh token for a new token pair. The
// provider rotates the refresh token on every exchange.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenExchange, error) {
	ctx, cancel := context.WithTimeout(ctx, c.exchangeTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.loginURL+"/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeProviderAPIError, err, "token exchange request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeProviderAPIError, err, "read exchange response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, exchangeError(resp.StatusCode, body)
	}

	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		APIServer    string `json:"api_server"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, apierr.Wrap(apierr.CodeProviderAPIError, err, "decode exchange response")
	}
	if raw.AccessToken == "" || raw.RefreshToken == "" {
		return nil, apierr.New(apierr.CodeTokenInvalid, "exchange response missing tokens")
	}

	return &TokenExchange{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		APIServer:    NormalizeAPIServer(raw.APIServer),
		ExpiresIn:    raw.ExpiresIn,
	}, nil
}

// exchangeError maps the provider's HTTP status onto the token taxonomy.
func exchangeError(status int, body []byte) error {
	msg := providerMessage(body)
	switch status {
	case http.StatusBadRequest:
		return &apierr.Error{Code: apierr.CodeTokenInvalid, Message: "provider rejected refresh token: " + msg, Status: status}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &apierr.Error{Code: apierr.CodeTokenExpired, Message: "refresh token expired or revoked: " + msg, Status: status}
	default:
		return &apierr.Error{Code: apierr.CodeProviderAPIError, Message: fmt.Sprintf("token exchange failed (status %d): %s", status, msg), Status: status}
	}
}

// SearchSymbols looks up tickers by prefix. The provider has no batch
// search, so callers loop one ticker at a time.
func (c *Client) SearchSymbols(ctx context.Context, auth Auth, prefix string) ([]SymbolResult, error) {
	var out struct {
		Symbols []json.RawMessage `json:"symbols"`
	}
	q := url.Values{"prefix": {prefix}}
	if err := c.getJSON(ctx, auth, "/v1/symbols/search", q, &out); err != nil {
		return nil, err
	}
	return decodeSymbols(out.Symbols), nil
}

// GetSymbolDetails fetches full records for known numeric IDs.
func (c *Client) GetSymbolDetails(ctx context.Context, auth Auth, ids []int64) ([]SymbolResult, error) {
	var out struct {
		Symbols []json.RawMessage `json:"symbols"`
	}
	q := url.Values{"ids": {joinIDs(ids)}}
	if err := c.getJSON(ctx, auth, "/v1/symbols", q, &out); err != nil {
		return nil, err
	}
	return decodeSymbols(out.Symbols), nil
}

// GetQuotes fetches quotes for a batch of numeric IDs in one call.
func (c *Client) GetQuotes(ctx context.Context, auth Auth, ids []int64) ([]Quote, error) {
	var out struct {
		Quotes []json.RawMessage `json:"quotes"`
	}
	q := url.Values{"ids": {joinIDs(ids)}}
	if err := c.getJSON(ctx, auth, "/v1/markets/quotes", q, &out); err != nil {
		return nil, err
	}
	quotes := make([]Quote, 0, len(out.Quotes))
	for _, raw := range out.Quotes {
		quotes = append(quotes, decodeQuote(raw))
	}
	return quotes, nil
}

// GetStreamPort asks for the ephemeral WebSocket session port.
func (c *Client) GetStreamPort(ctx context.Context, auth Auth, ids []int64) (int, error) {
	var out struct {
		StreamPort int `json:"streamPort"`
	}
	q := url.Values{"ids": {joinIDs(ids)}, "stream": {"true"}, "mode": {"WebSocket"}}
	if err := c.getJSON(ctx, auth, "/v1/markets/quotes", q, &out); err != nil {
		return 0, err
	}
	if out.StreamPort == 0 {
		return 0, apierr.New(apierr.CodeProviderAPIError, "provider returned no stream port")
	}
	return out.StreamPort, nil
}

// GetPositions returns current holdings across all of the identity's
// accounts, used as a symbol-resolution source.
func (c *Client) GetPositions(ctx context.Context, auth Auth) ([]PositionResult, error) {
	var accounts struct {
		Accounts []struct {
			Number string `json:"number"`
		} `json:"accounts"`
	}
	if err := c.getJSON(ctx, auth, "/v1/accounts", nil, &accounts); err != nil {
		return nil, err
	}

	var all []PositionResult
	for _, acct := range accounts.Accounts {
		var out struct {
			Positions []PositionResult `json:"positions"`
		}
		path := "/v1/accounts/" + acct.Number + "/positions"
		if err := c.getJSON(ctx, auth, path, nil, &out); err != nil {
			return nil, err
		}
		all = append(all, out.Positions...)
	}
	return all, nil
}

// PositionResult is one holding row from the accounts API.
type PositionResult struct {
	Symbol   string `json:"symbol"`
	SymbolID int64  `json:"symbolId"`
}

func (c *Client) getJSON(ctx context.Context, auth Auth, path string, query url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	u := NormalizeAPIServer(auth.APIServer) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.CodeProviderAPIError, err, "provider request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return apierr.Wrap(apierr.CodeProviderAPIError, err, "read provider response")
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return &apierr.Error{Code: apierr.CodeTokenExpired, Message: "access token rejected: " + providerMessage(body), Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return &apierr.Error{
			Code:    apierr.CodeProviderAPIError,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, providerMessage(body)),
			Status:  resp.StatusCode,
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierr.Wrap(apierr.CodeProviderAPIError, err, "decode provider response")
	}
	return nil
}

func providerMessage(body []byte) string {
	var e struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Message != "" {
		return e.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func decodeSymbols(raws []json.RawMessage) []SymbolResult {
	out := make([]SymbolResult, 0, len(raws))
	for _, raw := range raws {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, SymbolResult{
			Symbol:            asString(m["symbol"]),
			SymbolID:          asInt64(m["symbolId"]),
			Description:       asString(m["description"]),
			Exchange:          asString(m["listingExchange"]),
			Currency:          asString(m["currency"]),
			SecurityType:      asString(m["securityType"]),
			PrevDayClosePrice: asFloat(m["prevDayClosePrice"]),
		})
	}
	return out
}

// decodeQuote coerces every numeric field finite-or-zero. The upstream
// API is observed to occasionally return non-finite values.
func decodeQuote(raw json.RawMessage) Quote {
	var m map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return Quote{}
	}
	return Quote{
		Symbol:         asString(m["symbol"]),
		SymbolID:       asInt64(m["symbolId"]),
		BidPrice:       asFloat(m["bidPrice"]),
		BidSize:        asFloat(m["bidSize"]),
		AskPrice:       asFloat(m["askPrice"]),
		AskSize:        asFloat(m["askSize"]),
		LastTradePrice: asFloat(m["lastTradePrice"]),
		LastTradeSize:  asFloat(m["lastTradeSize"]),
		Volume:         asFloat(m["volume"]),
		Delayed:        asBool(m["delayed"]),
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

// asFloat coerces any JSON value to a finite float64, defaulting zero.
func asFloat(v interface{}) float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case json.Number:
		// Overflow parses to +/-Inf; the finite check below zeroes it.
		f, _ = strconv.ParseFloat(n.String(), 64)
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0
			}
			return int64(f)
		}
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
