package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"brokerlink/internal/questrade"
	"brokerlink/internal/quotes"
	"brokerlink/internal/secrets"
	"brokerlink/internal/store"
	"brokerlink/internal/streamhub"
	"brokerlink/internal/symbols"
	"brokerlink/internal/token"
	"brokerlink/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	box, err := secrets.NewBox(cfg.TokenCrypt.Key)
	if err != nil {
		logger.Fatal("Token encryption key invalid", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	st := store.NewRedisStore(rdb)

	client := questrade.NewClient(cfg.Provider.LoginURL, logger,
		questrade.WithTimeouts(cfg.Provider.ExchangeTimeout, cfg.Provider.QuoteTimeout))

	tokens := token.NewCache(st, box, client, logger)
	resolver := symbols.NewResolver(st, tokens, client, logger)

	var publisher quotes.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := quotes.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer kp.Close()
		publisher = kp
	}
	quoteSvc := quotes.NewService(st, resolver, tokens, client, publisher,
		cfg.Provider.QuoteRatePerSec, cfg.Provider.QuoteTTL, logger)

	hub := streamhub.NewHub(resolver, tokens, streamhub.GorillaDialer{}, cfg.Stream.HandshakeTimeout, logger)

	reaperDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := hub.ReapIdle(cfg.Stream.IdleTimeout); n > 0 {
					logger.Info("idle upstream sessions reaped", zap.Int("count", n))
				}
			case <-reaperDone:
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/quotes", quotesHandler(quoteSvc, logger))
	mux.HandleFunc("/api/quotes/stream", quotesStreamHandler(quoteSvc))
	mux.HandleFunc("/api/token/status", tokenStatusHandler(tokens))
	mux.HandleFunc("/api/identities", identitiesHandler(tokens, st, logger))
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		client := streamhub.NewClient(conn, hub, logger)
		client.Start()
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := rdb.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	close(reaperDone)
	srv.Shutdown(context.Background())
	st.Close()
	logger.Info("Shutdown Complete")
}
