package controllers

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	"github.com/angelmondragon/splitledger-backend/api/validators"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/internal/split"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

func eventScope(r *http.Request) (owner, ledgerID, eventID uuid.UUID, err error) {
	owner, ledgerID, err = ledgerScope(r)
	if err != nil {
		return
	}
	eventID, err = validators.ParseUUIDParam(r, "eventId")
	return
}

// AddExpense records a split expense and moves the balance by its impact.
func AddExpense(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		var body expenseRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.AddExpense(r.Context(), ledger.ExpenseInput{
			OwnerID:  owner,
			LedgerID: ledgerID,
			Split:    body.toSplit(),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, true), newWriteResponse(result, f))
	}
}

// PreviewExpense evaluates live form input without writing anything. Invalid
// input is reported in the body with a 200 so the form can render every
// field error.
func PreviewExpense(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		var body expenseRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		preview, err := svc.Preview(r.Context(), owner, ledgerID, body.toSplit())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := previewResponse{
			Valid:      preview.Valid,
			Allocation: preview.Allocation,
			Impact:     preview.Impact,
			Summary:    preview.Summary,
			Errors:     preview.Errors,
		}
		if resp.Errors == nil {
			resp.Errors = []*split.FieldError{}
		}
		if preview.Valid {
			resp.ImpactDisplay = display(f, preview.Impact)
		}
		responses.WriteSuccess(w, resp)
	}
}

// EditExpense replaces an expense's fields. The balance moves by the
// difference between the new and the stored impact.
func EditExpense(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, ledgerID, eventID, err := eventScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var body expenseRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.EditExpense(r.Context(), ledger.EditExpenseInput{
			OwnerID:  owner,
			LedgerID: ledgerID,
			EventID:  eventID,
			Split:    body.toSplit(),
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, false), newWriteResponse(result, f))
	}
}

// ExpenseForm returns a stored expense as pre-filled edit form values.
func ExpenseForm(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, ledgerID, eventID, err := eventScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		form, err := svc.EditForm(r.Context(), owner, ledgerID, eventID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, editFormResponse{
			Event:        newEventResponse(&form.Event, f),
			Participants: form.Participants,
			Form:         form.Form,
		})
	}
}

// DeleteEvent removes a feed event, reversing its stored impact.
func DeleteEvent(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable())
			return
		}
		owner, ledgerID, eventID, err := eventScope(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		result, err := svc.DeleteEvent(r.Context(), owner, ledgerID, eventID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, false), newWriteResponse(result, f))
	}
}

// Settle zeroes the balance with a settlement event.
func Settle(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		result, err := svc.Settle(r.Context(), owner, ledgerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, true), newWriteResponse(result, f))
	}
}

func Audit(svc ledger.Service, logg *logger.Logger) http.HandlerFunc {
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
		report, err := svc.Audit(r.Context(), owner, ledgerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		resp := auditResponse{
			LedgerID:    report.LedgerID,
			Balance:     report.Balance,
			ImpactSum:   report.ImpactSum,
			Drift:       report.Drift,
			Events:      report.Events,
			Consistent:  report.Consistent(),
			Divergences: make([]divergenceResponse, 0, len(report.Divergences)),
		}
		for _, d := range report.Divergences {
			resp.Divergences = append(resp.Divergences, divergenceResponse{
				EventID:    d.EventID,
				Stored:     d.Stored,
				Recomputed: d.Recomputed,
			})
		}
		if !resp.Consistent && logg != nil {
			logg.Warn(logg.WithLedgerID(r.Context(), ledgerID.String()), "ledger audit found drift")
		}
		responses.WriteSuccess(w, resp)
	}
}
