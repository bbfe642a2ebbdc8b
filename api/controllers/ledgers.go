package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/api/middleware"
	"github.com/angelmondragon/splitledger-backend/api/responses"
	"github.com/angelmondragon/splitledger-backend/api/validators"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	"github.com/angelmondragon/splitledger-backend/pkg/pagination"
)

const maxNameLen = 120

func sanitizeNames(names []string) []string {
	if names == nil {
		return nil
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, validators.SanitizeString(name, maxNameLen))
	}
	return out
}

func callerID(r *http.Request) (uuid.UUID, error) {
	id, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	return id, nil
}

// ledgerScope resolves the caller and the {ledgerId} path parameter.
func ledgerScope(r *http.Request) (uuid.UUID, uuid.UUID, error) {
	owner, err := callerID(r)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	ledgerID, err := validators.ParseUUIDParam(r, "ledgerId")
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return owner, ledgerID, nil
}

func serviceUnavailable() error {
	return pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable")
}

// CreateLedger opens a direct or group ledger for the caller.
func CreateLedger(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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

		var body createLedgerRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		result, err := svc.CreateLedger(r.Context(), ledger.CreateLedgerInput{
			OwnerID: owner,
			Name:    validators.SanitizeString(body.Name, maxNameLen),
			Kind:    enums.LedgerKind(body.Kind),
			Members: sanitizeNames(body.Members),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, true), newWriteResponse(result, f))
	}
}

// ListLedgers returns the caller's ledgers, most recently active first.
func ListLedgers(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		cursor, err := validators.ParseQueryCursor(r, "cursor")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		page, err := svc.ListLedgers(r.Context(), ledger.ListParams{
			OwnerID: owner,
			Limit:   limit,
			Cursor:  cursor,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		resp := listLedgersResponse{Items: make([]*ledgerResponse, 0, len(page.Items)), Cursor: page.Cursor}
		for i := range page.Items {
			resp.Items = append(resp.Items, newLedgerResponse(&page.Items[i], f))
		}
		responses.WriteSuccess(w, resp)
	}
}

// LedgerSummary returns dashboard totals across the caller's ledgers.
func LedgerSummary(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		totals, err := svc.Summary(r.Context(), owner)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, totalsResponse{
			TotalOwed:        totals.TotalOwed,
			TotalOwedDisplay: display(f, totals.TotalOwed),
			TotalDebt:        totals.TotalDebt,
			TotalDebtDisplay: display(f, totals.TotalDebt),
			Net:              totals.Net,
			NetDisplay:       display(f, totals.Net),
			Ledgers:          totals.Ledgers,
		})
	}
}

func GetLedger(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, ledgerID, err := ledgerScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		found, err := svc.GetLedger(r.Context(), owner, ledgerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newLedgerResponse(found, f))
	}
}

// DeleteLedger removes a ledger and its whole feed.
func DeleteLedger(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, ledgerID, err := ledgerScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.DeleteLedger(r.Context(), owner, ledgerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, false), newWriteResponse(result, f))
	}
}

// AddMember adds a participant to a group ledger.
func AddMember(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, ledgerID, err := ledgerScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body addMemberRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.AddMember(r.Context(), owner, ledgerID, validators.SanitizeString(body.Name, maxNameLen))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, false), newWriteResponse(result, f))
	}
}
