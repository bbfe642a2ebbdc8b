package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/splitledger-backend/api/controllers"
	"github.com/angelmondragon/splitledger-backend/api/middleware"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/pkg/config"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/redis"
)

// Params carries everything the router mounts. Redis and Gatherer are optional.
type Params struct {
	Config    *config.Config
	Logger    *logger.Logger
	Ledger    ledger.Service
	Formatter controllers.Formatter
	DB        controllers.Pinger
	Redis     *redis.Client
	Gatherer  prometheus.Gatherer
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger
	svc, f := p.Ledger, p.Formatter

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	deps := []controllers.Dependency{{Name: "db", Pinger: p.DB}}
	var (
		idem    func(http.Handler) http.Handler
		preview func(http.Handler) http.Handler
	)
	if p.Redis != nil {
		deps = append(deps, controllers.Dependency{Name: "redis", Pinger: p.Redis})
		idem = middleware.Idempotency(p.Redis, logg)
		preview = middleware.RateLimit(
			middleware.NewRateLimitPolicy("preview", cfg.RateLimit.PreviewWindow, cfg.RateLimit.PreviewLimit),
			p.Redis,
			logg,
		)
	} else {
		idem = middleware.Idempotency(nil, logg)
		preview = middleware.RateLimit(middleware.RateLimitPolicy{}, nil, logg)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps...))
	})

	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity(logg))

		r.Route("/ledgers", func(r chi.Router) {
			r.With(idem).Post("/", controllers.CreateLedger(svc, f, logg))
			r.Get("/", controllers.ListLedgers(svc, f, logg))
			r.Get("/summary", controllers.LedgerSummary(svc, f, logg))

			r.Route("/{ledgerId}", func(r chi.Router) {
				r.Get("/", controllers.GetLedger(svc, f, logg))
				r.Delete("/", controllers.DeleteLedger(svc, f, logg))
				r.With(idem).Post("/members", controllers.AddMember(svc, f, logg))

				r.Get("/feed", controllers.Feed(svc, f, logg))
				r.Get("/feed/stream", controllers.FeedStream(svc, f, logg, cfg.Ledger.StreamHeartbeat))
				r.With(idem).Post("/messages", controllers.PostMessage(svc, f, logg))

				r.With(idem).Post("/expenses", controllers.AddExpense(svc, f, logg))
				r.With(preview).Post("/expenses/preview", controllers.PreviewExpense(svc, f, logg))
				r.Route("/events/{eventId}", func(r chi.Router) {
					r.With(idem).Put("/", controllers.EditExpense(svc, f, logg))
					r.Delete("/", controllers.DeleteEvent(svc, f, logg))
					r.Get("/form", controllers.ExpenseForm(svc, f, logg))
				})

				r.With(idem).Post("/settle", controllers.Settle(svc, f, logg))
				r.Get("/audit", controllers.Audit(svc, logg))
			})
		})

		r.Get("/writes/{writeId}", controllers.WriteStatus(svc, logg))
	})

	return r
}
