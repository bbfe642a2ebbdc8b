package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

// UserIDHeader carries the caller id. The gateway in front of the API
// authenticates the user and sets it; requests without it are rejected.
const UserIDHeader = "X-User-Id"

// Identity seeds the request context with the caller's user id.
func Identity(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing user id"))
				return
			}
			userID, err := uuid.Parse(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user id"))
				return
			}

			ctx := WithCaller(r.Context(), userID)
			if logg != nil {
				ctx = logg.WithUserID(ctx, userID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
