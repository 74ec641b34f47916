package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"brokerlink/internal/apierr"
	"brokerlink/internal/quotes"
	"brokerlink/internal/store"
	"brokerlink/internal/token"
	"brokerlink/pkg/models"
)

type quoteEntry struct {
	models.QuoteSnapshot
	Stale bool `json:"stale"`
}

type quotesResponse struct {
	Quotes map[string]quoteEntry `json:"quotes"`
}

// quotesHandler serves GET /api/quotes?identity=X&symbols=AAPL,MSFT[&refresh=true]
func quotesHandler(svc *quotes.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		raw := r.URL.Query().Get("symbols")
		if identity == "" || raw == "" {
			http.Error(w, "identity and symbols are required", http.StatusBadRequest)
			return
		}
		force := r.URL.Query().Get("refresh") == "true"

		results, err := svc.GetMultipleQuotes(r.Context(), identity, strings.Split(raw, ","), force)
		if err != nil && len(results) == 0 {
			writeAPIError(w, err)
			return
		}
		if err != nil {
			logger.Warn("partial quote response", zap.Error(err))
		}

		resp := quotesResponse{Quotes: make(map[string]quoteEntry, len(results))}
		for t, res := range results {
			resp.Quotes[t] = quoteEntry{QuoteSnapshot: res.Snapshot, Stale: res.Freshness == quotes.Stale}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// quotesStreamHandler serves GET /api/quotes/stream?identity=X&symbols=AAPL,MSFT[&interval=10s]
// as server-sent events: a periodic fetch task bound to the connection's
// lifetime, stopped deterministically when the client goes away.
func quotesStreamHandler(svc *quotes.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		raw := r.URL.Query().Get("symbols")
		if identity == "" || raw == "" {
			http.Error(w, "identity and symbols are required", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		interval := 10 * time.Second
		if s := r.URL.Query().Get("interval"); s != "" {
			if d, err := time.ParseDuration(s); err == nil && d >= time.Second {
				interval = d
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		tickers := strings.Split(raw, ",")
		send := func() {
			results, err := svc.GetMultipleQuotes(r.Context(), identity, tickers, false)
			if err != nil && len(results) == 0 {
				fmt.Fprintf(w, "event: error\ndata: {\"code\":%q,\"error\":%q}\n\n", apierr.CodeOf(err), err.Error())
				flusher.Flush()
				return
			}
			resp := quotesResponse{Quotes: make(map[string]quoteEntry, len(results))}
			for t, res := range results {
				resp.Quotes[t] = quoteEntry{QuoteSnapshot: res.Snapshot, Stale: res.Freshness == quotes.Stale}
			}
			payload, err := json.Marshal(resp)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}

		send()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				send()
			}
		}
	}
}

// tokenStatusHandler serves GET /api/token/status?identity=X
func tokenStatusHandler(tokens *token.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := r.URL.Query().Get("identity")
		if identity == "" {
			http.Error(w, "identity is required", http.StatusBadRequest)
			return
		}
		st, err := tokens.GetTokenStatus(r.Context(), identity)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type setupRequest struct {
	Name         string `json:"name"`
	RefreshToken string `json:"refresh_token"`
}

type setupResponse struct {
	Identity  string    `json:"identity"`
	APIServer string    `json:"api_server"`
	ExpiresAt time.Time `json:"expires_at"`
}

// identitiesHandler serves the operator identity lifecycle:
//
//	GET    /api/identities                 list registered identities
//	POST   /api/identities                 register or re-key (trial exchange first)
//	PATCH  /api/identities?name=X&active=  soft activate/deactivate
//	DELETE /api/identities?name=X          purge identity and token history
func identitiesHandler(tokens *token.Cache, st store.Store, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			list, err := st.ListIdentities(r.Context())
			if err != nil {
				writeAPIError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string][]models.Identity{"identities": list})

		case http.MethodPost:
			var req setupRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
				http.Error(w, "name and refresh_token are required", http.StatusBadRequest)
				return
			}
			tok, err := tokens.SetupIdentityToken(r.Context(), req.Name, req.RefreshToken)
			if err != nil {
				writeAPIError(w, err)
				return
			}
			logger.Info("identity registered", zap.String("identity", req.Name))
			writeJSON(w, http.StatusCreated, setupResponse{
				Identity:  req.Name,
				APIServer: tok.APIServer,
				ExpiresAt: tok.ExpiresAt,
			})

		case http.MethodPatch:
			name := r.URL.Query().Get("name")
			if name == "" {
				http.Error(w, "name is required", http.StatusBadRequest)
				return
			}
			id, err := st.GetIdentity(r.Context(), name)
			if errors.Is(err, store.ErrNotFound) {
				writeAPIError(w, apierr.New(apierr.CodeIdentityNotFound, "identity %q is not registered", name))
				return
			}
			if err != nil {
				writeAPIError(w, err)
				return
			}
			id.Active = r.URL.Query().Get("active") != "false"
			if err := st.PutIdentity(r.Context(), id); err != nil {
				writeAPIError(w, err)
				return
			}
			if !id.Active {
				tokens.Invalidate(name)
			}
			writeJSON(w, http.StatusOK, id)

		case http.MethodDelete:
			name := r.URL.Query().Get("name")
			if name == "" {
				http.Error(w, "name is required", http.StatusBadRequest)
				return
			}
			tokens.Invalidate(name)
			if err := st.DeleteIdentity(r.Context(), name); err != nil {
				writeAPIError(w, err)
				return
			}
			logger.Info("identity deleted", zap.String("identity", name))
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch apierr.CodeOf(err) {
	case apierr.CodeIdentityNotFound, apierr.CodeSymbolNotFound:
		status = http.StatusNotFound
	case apierr.CodeTokenMissing, apierr.CodeTokenInvalid, apierr.CodeTokenExpired:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{
		"code":  string(apierr.CodeOf(err)),
		"error": err.Error(),
	})
}
