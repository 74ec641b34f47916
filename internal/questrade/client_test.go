package questrade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"brokerlink/internal/apierr"
)

func TestNormalizeAPIServer(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://api01.iq.questrade.com/", "https://api01.iq.questrade.com"},
		{"https://api01.iq.questrade.com///", "https://api01.iq.questrade.com"},
		{"api01.iq.questrade.com", "https://api01.iq.questrade.com"},
		{"  http://localhost:8080/ ", "http://localhost:8080"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeAPIServer(c.in), "input %q", c.in)
	}
}

func TestExchangeRefreshToken_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth2/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		require.Equal(t, "old-refresh-token", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"access_token": "new-access",
			"refresh_token": "new-refresh",
			"api_server": "https://api01.example.com/",
			"expires_in": 1800
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	exch, err := client.ExchangeRefreshToken(context.Background(), "old-refresh-token")
	require.NoError(t, err)

	assert.Equal(t, "new-access", exch.AccessToken)
	assert.Equal(t, "new-refresh", exch.RefreshToken)
	assert.Equal(t, "https://api01.example.com", exch.APIServer, "trailing slash stripped")
	assert.EqualValues(t, 1800, exch.ExpiresIn)
}

func TestExchangeRefreshToken_StatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   apierr.Code
	}{
		{http.StatusBadRequest, apierr.CodeTokenInvalid},
		{http.StatusUnauthorized, apierr.CodeTokenExpired},
		{http.StatusInternalServerError, apierr.CodeProviderAPIError},
		{http.StatusTooManyRequests, apierr.CodeProviderAPIError},
	}
	for _, c := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(c.status)
			w.Write([]byte(`{"code": 1017, "message": "provider said no"}`))
		}))
		client := NewClient(srv.URL, zap.NewNop())
		_, err := client.ExchangeRefreshToken(context.Background(), "whatever-token")
		assert.Equal(t, c.want, apierr.CodeOf(err), "status %d", c.status)
		srv.Close()
	}
}

func TestGetQuotes_SanitizesNonFiniteNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/markets/quotes", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		// 1e999 overflows float64 (reads as +Inf), "NaN" is a string NaN.
		w.Write([]byte(`{"quotes": [{
			"symbol": "AAPL",
			"symbolId": 8049,
			"bidPrice": 1e999,
			"bidSize": "NaN",
			"askPrice": 184.5,
			"askSize": null,
			"lastTradePrice": 184.2,
			"lastTradeSize": "oops",
			"volume": 12345678,
			"delayed": false
		}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	quotes, err := client.GetQuotes(context.Background(), Auth{AccessToken: "tok", APIServer: srv.URL}, []int64{8049})
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	q := quotes[0]
	assert.Equal(t, "AAPL", q.Symbol)
	assert.EqualValues(t, 8049, q.SymbolID)
	assert.Zero(t, q.BidPrice, "overflowing value stored as 0")
	assert.Zero(t, q.BidSize, "NaN stored as 0")
	assert.Zero(t, q.AskSize, "null stored as 0")
	assert.Zero(t, q.LastTradeSize, "garbage stored as 0")
	assert.Equal(t, 184.5, q.AskPrice)
	assert.Equal(t, 184.2, q.LastTradePrice)
	assert.Equal(t, float64(12345678), q.Volume)
}

func TestGetJSON_UnauthorizedMapsToTokenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code": 1017, "message": "Access token is invalid"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	_, err := client.GetQuotes(context.Background(), Auth{AccessToken: "bad", APIServer: srv.URL}, []int64{1})
	assert.Equal(t, apierr.CodeTokenExpired, apierr.CodeOf(err))
}

func TestGetStreamPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("stream"))
		require.Equal(t, "WebSocket", r.URL.Query().Get("mode"))
		w.Write([]byte(`{"streamPort": 9999}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	port, err := client.GetStreamPort(context.Background(), Auth{AccessToken: "tok", APIServer: srv.URL}, []int64{8049})
	require.NoError(t, err)
	assert.Equal(t, 9999, port)
}

func TestSearchSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/symbols/search", r.URL.Path)
		require.Equal(t, "AAPL", r.URL.Query().Get("prefix"))
		w.Write([]byte(`{"symbols": [
			{"symbol": "AAPL", "symbolId": 8049, "description": "APPLE INC", "listingExchange": "NASDAQ", "currency": "USD", "securityType": "Stock", "prevDayClosePrice": 183.5},
			{"symbol": "AAPL.TO", "symbolId": 12345, "description": "fake", "currency": "CAD"}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	results, err := client.SearchSymbols(context.Background(), Auth{AccessToken: "tok", APIServer: srv.URL}, "AAPL")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "AAPL", results[0].Symbol)
	assert.EqualValues(t, 8049, results[0].SymbolID)
	assert.Equal(t, 183.5, results[0].PrevDayClosePrice)
}
