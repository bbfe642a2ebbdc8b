package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	"github.com/angelmondragon/splitledger-backend/api/validators"
	"github.com/angelmondragon/splitledger-backend/internal/ledger"
	"github.com/angelmondragon/splitledger-backend/pkg/db/models"
	"github.com/angelmondragon/splitledger-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
)

// Feed returns the ledger's events oldest first.
func Feed(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		events, err := svc.Feed(r.Context(), owner, ledgerID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, newEventResponses(events, f))
	}
}

// FeedStream pushes the full feed as server-sent events: once on connect and
// again after every committed change. A comment line is written every
// heartbeat so idle proxies keep the connection open.
func FeedStream(svc ledger.Service, f Formatter, logg *logger.Logger, heartbeat time.Duration) http.HandlerFunc {
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
		flusher, ok := w.(http.Flusher)
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnsupported, "streaming not supported"))
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		if logg != nil {
			ctx = logg.WithLedgerID(ctx, ledgerID.String())
		}

		stream := &sseStream{w: w, flusher: flusher}
		beating := make(chan struct{})
		go func() {
			defer close(beating)
			stream.heartbeat(ctx, heartbeat)
		}()
		// w must not be touched once the handler returns.
		defer func() {
			cancel()
			<-beating
		}()

		err = svc.Watch(ctx, owner, ledgerID, func(events []models.FeedEvent) {
			payload, err := json.Marshal(newEventResponses(events, f))
			if err != nil {
				if logg != nil {
					logg.Error(ctx, "encode feed snapshot", err)
				}
				return
			}
			if err := stream.send("feed", payload); err != nil {
				cancel()
			}
		})
		if err == nil {
			return
		}
		if !stream.isStarted() {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if logg != nil {
			logg.Warn(logg.WithField(ctx, "error", err.Error()), "feed stream ended")
		}
	}
}

type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseStream) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseStream) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseStream) heartbeat(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.started {
				if _, err := fmt.Fprint(s.w, ": ping\n\n"); err == nil {
					s.flusher.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}

// PostMessage appends a free-form message. The sender defaults to the caller.
func PostMessage(svc ledger.Service, f Formatter, logg *logger.Logger) http.HandlerFunc {
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
		var body messageRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		sender := enums.MessageSenderSelf
		if body.Sender != "" {
			sender = enums.MessageSender(body.Sender)
		}

		result, err := svc.PostMessage(r.Context(), ledger.MessageInput{
			OwnerID:  owner,
			LedgerID: ledgerID,
			Text:     body.Text,
			Sender:   sender,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, writeStatusCode(result, true), newWriteResponse(result, f))
	}
}
