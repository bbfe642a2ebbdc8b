package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/splitledger-backend/api/responses"
	pkgerrors "github.com/angelmondragon/splitledger-backend/pkg/errors"
	"github.com/angelmondragon/splitledger-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/splitledger-backend/pkg/redis"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	writeTTL  = 24 * time.Hour
	settleTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds a reservation whose request never finished.
	inFlightTTL = 2 * time.Minute

	maxIdempotentBody = 1 << 20
)

type recordState string

const (
	stateInFlight  recordState = "in_flight"
	stateCompleted recordState = "completed"
)

type idempotencyRule struct {
	method  string
	pattern string
	prefix  bool
	ttl     time.Duration
	// required rejects requests that omit the header.
	required bool
}

func (r idempotencyRule) matches(method, pattern string) bool {
	if r.method != method {
		return false
	}
	if r.prefix {
		return strings.HasPrefix(pattern, r.pattern)
	}
	return pattern == r.pattern
}

// Ledger writes that are safe to replay. Settlement is the one a client
// must never double-submit, so it demands a key and keeps it a week.
var idempotencyRules = []idempotencyRule{
	{method: http.MethodPost, pattern: "/api/v1/ledgers", ttl: writeTTL},
	{method: http.MethodPost, pattern: "/api/v1/ledgers/{ledgerId}/members", ttl: writeTTL},
	{method: http.MethodPost, pattern: "/api/v1/ledgers/{ledgerId}/messages", ttl: writeTTL},
	{method: http.MethodPost, pattern: "/api/v1/ledgers/{ledgerId}/expenses", ttl: writeTTL},
	{method: http.MethodPut, pattern: "/api/v1/ledgers/{ledgerId}/events/", prefix: true, ttl: writeTTL},
	{method: http.MethodPost, pattern: "/api/v1/ledgers/{ledgerId}/settle", ttl: settleTTL, required: true},
}

type idempotencyRecord struct {
	State       recordState       `json:"state"`
	Status      int               `json:"status,omitempty"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	RequestHash string            `json:"request_hash"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key.
// The key is reserved before the handler runs so a concurrent duplicate gets
// a conflict instead of a second ledger write. Server errors release the key.
func Idempotency(store pkgredis.IdempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rule, ok := matchRule(r.Method, routePattern(r))
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" {
				if rule.required {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, idempotencyHeader+" header required"))
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody+1))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request"))
				return
			}
			if len(body) > maxIdempotentBody {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := hashBody(body)
			key := store.IdempotencyKey(buildScope(r), clientKey)

			reservation, _ := json.Marshal(idempotencyRecord{State: stateInFlight, RequestHash: hash})
			acquired, err := store.SetNX(ctx, key, string(reservation), inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !acquired {
				replayExisting(ctx, store, logg, w, key, hash)
				return
			}

			rec := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			// Detached so a client hanging up does not strand the reservation.
			saveCtx := context.WithoutCancel(ctx)
			status := defaultStatus(rec.status)
			if status >= http.StatusInternalServerError {
				if err := store.Del(saveCtx, key); err != nil {
					logError(ctx, logg, "release idempotency key", err)
				}
				return
			}

			record := idempotencyRecord{
				State:       stateCompleted,
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
				RequestHash: hash,
			}
			if ct := rec.Header().Get("Content-Type"); ct != "" {
				record.Headers = map[string]string{"Content-Type": ct}
			}
			payload, err := json.Marshal(record)
			if err != nil {
				logError(ctx, logg, "marshal idempotency record", err)
				return
			}
			if err := store.Set(saveCtx, key, string(payload), rule.ttl); err != nil {
				logError(ctx, logg, "persist idempotency record", err)
			}
		})
	}
}

func replayExisting(ctx context.Context, store pkgredis.IdempotencyStore, logg *logger.Logger, w http.ResponseWriter, key, hash string) {
	stored, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// Reservation expired between SETNX and GET.
		w.Header().Set("Retry-After", "1")
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "idempotent request still in flight"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return
	}
	if record.RequestHash != hash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return
	}
	if record.State != stateCompleted {
		w.Header().Set("Retry-After", "1")
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "idempotent request still in flight"))
		return
	}

	for name, value := range record.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(record.Status)
	if decoded, err := base64.StdEncoding.DecodeString(record.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

// buildScope keys records per caller and concrete path, so the same client
// key used on two ledgers never collides.
func buildScope(r *http.Request) string {
	return strings.Join([]string{callerString(r.Context()), r.Method, r.URL.Path}, "|")
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func defaultStatus(value int) int {
	if value == 0 {
		return http.StatusOK
	}
	return value
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			if len(pattern) > 1 {
				pattern = strings.TrimSuffix(pattern, "/")
			}
			return pattern
		}
	}
	return r.URL.Path
}

func matchRule(method, pattern string) (idempotencyRule, bool) {
	for _, rule := range idempotencyRules {
		if rule.matches(method, pattern) {
			return rule, true
		}
	}
	return idempotencyRule{}, false
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg == nil || err == nil {
		return
	}
	logg.Error(ctx, msg, err)
}
