package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	"github.com/angelmondragon/splitledger-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// Pinger is a dependency that can report its health.
type Pinger interface {
	Ping(context.Context) error
}

// Dependency names a pinger for readiness output.
type Dependency struct {
	Name   string
	Pinger Pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-SplitLedger-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every dependency and fails if any of them is down.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps ...Dependency) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-SplitLedger-Env", cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := make(map[string]string, len(deps))
		var failed []string
		for _, dep := range deps {
			if dep.Pinger == nil {
				continue
			}
			if err := dep.Pinger.Ping(ctx); err != nil {
				checks[dep.Name] = "down"
				failed = append(failed, dep.Name)
				continue
			}
			checks[dep.Name] = "up"
		}

		if len(failed) > 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").
				WithDetails(map[string]any{"checks": checks, "failed": failed}))
			return
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
