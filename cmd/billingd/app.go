package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/api"
	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/archive"
	zerologadapter "github.com/mihaimyh/gobilling/pkg/billing/logger/zerolog"
	"github.com/mihaimyh/gobilling/pkg/billing/mail"
	prommetrics "github.com/mihaimyh/gobilling/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/billing/paystack"
	"github.com/mihaimyh/gobilling/pkg/billing/stripe"
)

// app holds every long lived component of billingd.
type app struct {
	cfg      *config.Config
	zlog     zerolog.Logger
	logger   billing.Logger
	registry *prometheus.Registry
	metrics  billing.Metrics

	store      *openedStorage
	plans      *billing.PlanRegistry
	guard      *billing.PlanGuard
	service    *billing.Service
	dispatcher *billing.Dispatcher
	stripe     *stripe.Provider
	paystack   *paystack.Provider
}

func newZerolog(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "billingd").Logger()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	a.zlog = newZerolog(cfg, os.Stderr)
	a.logger = zerologadapter.NewLogger(a.zlog)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = prommetrics.NewMetrics(a.registry, cfg.Metrics.Namespace)

	plans, err := billing.NewPlanRegistry(cfg.Plans.RegistryConfig())
	if err != nil {
		return nil, err
	}
	a.plans = plans

	store, err := openStorage(ctx, cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	a.store = store

	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	var mailer billing.Mailer = &mail.LogMailer{Logger: a.logger}
	if cfg.SMTP.Host != "" {
		m, err := mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
		if err != nil {
			return err
		}
		mailer = m
	}
	a.dispatcher = billing.NewDispatcher(billing.DispatcherConfig{
		Mailer:  mailer,
		Logger:  a.logger,
		Metrics: a.metrics,
	})

	var archiver billing.Archiver
	if cfg.Archive.Bucket != "" {
		s3cfg := archive.S3Config{
			Bucket:          cfg.Archive.Bucket,
			Prefix:          cfg.Archive.Prefix,
			Region:          cfg.Archive.Region,
			EndpointURL:     cfg.Archive.EndpointURL,
			AccessKeyID:     cfg.Archive.AccessKeyID,
			SecretAccessKey: cfg.Archive.SecretAccessKey,
		}
		client, err := archive.NewS3Client(ctx, s3cfg)
		if err != nil {
			return err
		}
		if archiver, err = archive.NewS3Archiver(client, s3cfg); err != nil {
			return err
		}
	}

	var stripeClient *stripe.Client
	if cfg.Stripe.Enabled() {
		var err error
		stripeClient, err = stripe.NewClient(stripe.ClientConfig{
			APIKey:  cfg.Stripe.SecretKey,
			Breaker: a.breaker("stripe"),
			Logger:  a.logger,
			Metrics: a.metrics,
		})
		if err != nil {
			return err
		}
	}

	adapters := []billing.Adapter{paystack.NewAdapter()}
	if stripeClient != nil {
		adapters = append(adapters, stripe.NewAdapter(stripeClient))
	} else {
		adapters = append(adapters, stripe.NewAdapter(nil))
	}
	normalizer, err := billing.NewNormalizer(billing.NormalizerConfig{
		Plans:    a.plans,
		Adapters: adapters,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Users:         a.store,
		Subscriptions: a.store,
		Logger:        a.logger,
		Metrics:       a.metrics,
	})
	if err != nil {
		return err
	}
	a.service, err = billing.NewService(billing.ServiceConfig{
		Verifier: billing.NewVerifier(billing.VerifierConfig{
			StripeWebhookSecret: cfg.Stripe.WebhookSecret,
			PaystackSecretKey:   cfg.Paystack.SecretKey,
			Environment:         cfg.Environment,
			Logger:              a.logger,
		}),
		Normalizer: normalizer,
		Reconciler: reconciler,
		Events:     a.store,
		Archiver:   archiver,
		Logger:     a.logger,
		Metrics:    a.metrics,
	})
	if err != nil {
		return err
	}

	a.guard, err = billing.NewPlanGuard(a.store, a.plans, a.logger)
	if err != nil {
		return err
	}

	base := billing.Config{
		Service:    a.service,
		Dispatcher: a.dispatcher,
		Plans:      a.plans,
		Users:      a.store,
		BaseURL:    cfg.BaseURL,
		Logger:     a.logger,
		Metrics:    a.metrics,
	}
	if stripeClient != nil {
		sc := base
		sc.APIKey = cfg.Stripe.SecretKey
		if a.stripe, err = stripe.NewProvider(stripe.Config{Config: sc, Client: stripeClient}); err != nil {
			return err
		}
	}
	if cfg.Paystack.Enabled() {
		pc := base
		pc.APIKey = cfg.Paystack.SecretKey
		pc.Breaker = a.breaker("paystack")
		if a.paystack, err = paystack.NewProvider(paystack.Config{Config: pc, APIBaseURL: cfg.Paystack.BaseURL}); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) breaker(name string) *billing.Breaker {
	return billing.NewBreaker(name, 5, 30*time.Second, func(name string, state billing.BreakerState) {
		a.logger.Warn("circuit breaker state changed",
			billing.Field{Key: "breaker", Value: name},
			billing.Field{Key: "state", Value: state},
		)
	})
}

// Close waits for in-flight notifications and releases storage.
func (a *app) Close() {
	if a.dispatcher != nil {
		a.dispatcher.Wait()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) router() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	if a.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	if a.stripe != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", a.stripe.WebhookHandler())
	}
	if a.paystack != nil {
		r.Method(http.MethodPost, "/webhooks/paystack", a.paystack.WebhookHandler())
	}

	cfg := api.Config{
		Subscriptions: a.store,
		Guard:         a.guard,
		Logger:        a.logger,
	}
	if a.stripe != nil {
		cfg.Stripe = a.stripe
	}
	if a.paystack != nil {
		cfg.Paystack = a.paystack
	}
	h, err := api.NewHandler(cfg)
	if err != nil {
		return nil, err
	}
	r.Mount("/", h.Routes(adminAuth(a.cfg.AdminToken)))
	return r, nil
}

// adminAuth requires "Authorization: Bearer <token>". An empty token hides
// the admin endpoints.
func adminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				http.NotFound(w, r)
				return
			}
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="billing"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *app) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := a.store.Storage.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.logger.Warn("health check failed", billing.Err(err))
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (a *app) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.zlog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
