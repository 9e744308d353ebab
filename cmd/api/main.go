package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"quillsync/api/internal/app"
	"quillsync/api/internal/auth"
	"quillsync/api/internal/authpw"
	"quillsync/api/internal/collab"
	"quillsync/api/internal/config"
	"quillsync/api/internal/email"
	"quillsync/api/internal/gateway"
	"quillsync/api/internal/logging"
	"quillsync/api/internal/metrics"
	"quillsync/api/internal/presence"
	"quillsync/api/internal/revocation"
	"quillsync/api/internal/search"
	"quillsync/api/internal/store"
)

// dataStore is what the server needs from either store backend.
type dataStore interface {
	app.Store
	collab.DocumentStore
	authpw.UserStore
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	var (
		data  dataStore
		db    *sql.DB
		pgfts *search.PgFTS
	)
	switch strings.ToLower(cfg.StoreBackend) {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		data = store.NewMemoryStore()
	default:
		var err error
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir)); err != nil {
			logger.WithError(err).Fatal("migrations failed")
		}
		data = store.NewPostgresStore(db)
		pgfts = search.NewPgFTS(db)
	}

	var revoked *revocation.RedisStore
	var revocationChecker auth.RevocationChecker
	var revoker app.Revoker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using Redis for token revocation")
		var err error
		revoked, err = revocation.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer revoked.Close()
		revocationChecker = revoked
		revoker = revoked
	}
	resolver := auth.NewResolver(cfg.JWTSecret, data, revocationChecker)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	rooms := presence.NewRegistry(m)

	searchService, closeSearch := newSearch(ctx, cfg, data, pgfts, logger)
	defer closeSearch()

	documents := collab.NewDocuments(data, searchService.IndexDocument)
	realtime := gateway.NewHandler(resolver, collab.Deps{
		Documents: documents,
		Rooms:     rooms,
		Logger:    logger,
		Metrics:   m,
		Options: collab.Options{
			SaveInterval:   cfg.SaveInterval,
			SaveTimeout:    cfg.SaveTimeout,
			SaveMaxRetries: cfg.SaveMaxRetries,
		},
	}, gateway.Options{
		SendBuffer:      cfg.SendBuffer,
		WriteTimeout:    cfg.WriteTimeout,
		PongTimeout:     cfg.PongTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigin:   cfg.CORSOrigin,
	})

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Info("SMTP not configured; share notifications disabled")
	}

	service := app.NewService(app.Deps{
		Store:         data,
		Accounts:      authpw.NewService(data, cfg.JWTSecret, cfg.TokenTTL, cfg.RememberTTL),
		Authenticator: resolver,
		Revoker:       revoker,
		Notifier:      mailer,
		Search:        searchService,
		Rooms:         rooms,
		Logger:        logger,
		PublicURL:     cfg.PublicURL,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:    cfg.CORSOrigin,
		SecureCookies: strings.HasPrefix(cfg.PublicURL, "https://"),
		Realtime:      realtime,
		Gatherer:      reg,
		Logger:        logger,
	})
	// No WriteTimeout: it would cut hijacked websocket connections.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("QuillSync API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := realtime.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("realtime shutdown incomplete")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	searchService.Wait()
}

// newSearch picks the title search backend: Meilisearch when configured, with
// Postgres full-text or an in-process listing as the fallback. The Meilisearch
// index is rebuilt from the store at boot and after every outage.
func newSearch(ctx context.Context, cfg config.Config, data dataStore, pgfts *search.PgFTS, logger logrus.FieldLogger) (*search.Service, func()) {
	var fallback search.Searcher = search.NewListing(data)
	if pgfts != nil {
		fallback = pgfts
	}

	if strings.TrimSpace(cfg.MeiliURL) == "" {
		return search.NewService(nil, fallback, logger), func() {}
	}
	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	service := search.NewService(meili, fallback, logger).WithRebuild(recordSource(data, pgfts))
	if err := service.Rebuild(ctx); err != nil {
		logger.WithError(err).Warn("search index rebuild deferred until Meilisearch is reachable")
	}
	return service, meili.Close
}

func recordSource(data dataStore, pgfts *search.PgFTS) search.RecordSource {
	if pgfts != nil {
		return pgfts.LoadAllRecords
	}
	return func(ctx context.Context) ([]search.DocumentRecord, error) {
		mem, ok := data.(*store.MemoryStore)
		if !ok {
			return nil, nil
		}
		docs, err := mem.ListAllDocuments(ctx)
		if err != nil {
			return nil, err
		}
		records := make([]search.DocumentRecord, 0, len(docs))
		for _, doc := range docs {
			records = append(records, search.RecordFor(doc))
		}
		return records, nil
	}
}
