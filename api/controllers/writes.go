package controllers

import (
	"net/http"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	"github.com/angelmondragon/splitledger-backend/api/validators"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

// WriteStatus reports how a write answered with 202 resolved. A failed write
// carries the conflict the caller has to resolve by re-entering the change.
func WriteStatus(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		writeID, err := validators.ParseUUIDParam(r, "writeId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		status, err := svc.WriteStatus(r.Context(), owner, writeID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newWriteStatusResponse(status))
	}
}
