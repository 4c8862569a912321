package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/stake-engine/internal/metrics"
)

// RouterOptions carries the optional pieces of the HTTP surface.
type RouterOptions struct {
	Identity *Identity
	Limiter  *RateLimiter
	Hub      *WSHub
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter builds the full HTTP surface: /health, /metrics and /api/v1.
func NewRouter(svc *Service, opts RouterOptions) chi.Router {
	identity := opts.Identity
	if identity == nil {
		identity = NewIdentity(IdentityConfig{})
	}

	r := chi.NewRouter()
	if opts.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AccountHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stake-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(identity.Middleware)
		r.Use(opts.Limiter.Middleware)

		// Event stream. Registered outside the timeout group so the
		// upgraded connection is not bound to a request deadline.
		if opts.Hub != nil {
			r.Get("/ws", opts.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Pool registry and reward funding.
			r.Get("/pools", svc.ListPools)
			r.Get("/pools/{poolID}/period", svc.GetPeriod)
			r.Get("/pools/{poolID}/accepting", svc.GetAccepting)
			r.Get("/pools/{poolID}/cycles", svc.ListCycles)
			r.Post("/pools/{poolID}/start", svc.StartStaking)
			r.Post("/pools/{poolID}/rewards", svc.SetRewards)
			r.Post("/pools/{poolID}/deposits", svc.AddDeposit)
			r.Post("/rewards", svc.SetRewardsAll)

			// Stakes.
			r.Get("/accounts/{address}/stakes", svc.ListStakeIDs)
			r.Get("/accounts/{address}/stakes/detail", svc.ListStakes)
			r.Get("/stakes/counter", svc.StakeCounter)
			r.Get("/stakes/{stakeID}", svc.GetStake)
			r.Get("/stakes/{stakeID}/rewards", svc.GetRewards)
			r.Post("/stakes/{stakeID}/withdraw", svc.WithdrawStake)

			// Administration.
			r.Get("/solvency", svc.Solvency)
			r.Get("/managers/{address}", svc.GetManager)
			r.Post("/managers/{address}", svc.GrantManager)
			r.Delete("/managers/{address}", svc.RevokeManager)

			// Token ledger.
			r.Route("/token", func(r chi.Router) {
				r.Get("/", svc.GetToken)
				r.Get("/balances/{address}", svc.GetBalance)
				r.Get("/allowances/{owner}/{spender}", svc.GetAllowance)
				r.Get("/blacklist/{address}", svc.GetBlacklist)
				r.Post("/blacklist/{address}", svc.AddBlacklist)
				r.Delete("/blacklist/{address}", svc.RemoveBlacklist)
				r.Get("/roles/{role}/{address}", svc.GetRole)
				r.Post("/roles", svc.SetRole)
				r.Delete("/roles", svc.RevokeRole)
				r.Post("/transfer", svc.Transfer)
				r.Post("/approve", svc.Approve)
				r.Post("/mint", svc.Mint)
				r.Post("/burn", svc.Burn)
				r.Post("/pause", svc.Pause)
				r.Post("/unpause", svc.Unpause)
			})
		})
	})

	return r
}
