package resilience

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/quorum/pkg/errdefs"
	"github.com/cuemby/quorum/pkg/log"
)

// DeadlineHeader carries the absolute request deadline as an RFC 3339 UTC
// instant. Outbound calls re-emit it whenever a deadline is present;
// nothing is emitted otherwise.
const DeadlineHeader = "X-Request-Deadline"

type deadlineKey struct{}

// WithDeadline stores an absolute deadline on the context and arms the
// context timer to match. The context is the task-local carrier: tasks
// that fork must pass it on explicitly.
func WithDeadline(ctx context.Context, at time.Time) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, deadlineKey{}, at)
	return context.WithDeadline(ctx, at)
}

// Deadline returns the propagated absolute deadline, if any.
func Deadline(ctx context.Context) (time.Time, bool) {
	at, ok := ctx.Value(deadlineKey{}).(time.Time)
	return at, ok
}

// CheckDeadline fails fast with DeadlineExceeded when the ambient deadline
// is already in the past.
func CheckDeadline(ctx context.Context) error {
	if at, ok := Deadline(ctx); ok && !time.Now().Before(at) {
		return errdefs.DeadlineExceeded()
	}
	return nil
}

// DeadlineMiddleware reads X-Request-Deadline from inbound requests and
// installs it on the request context for the duration of the handler.
func DeadlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(DeadlineHeader)
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			logger := log.WithComponent("deadline")
			logger.Warn().
				Str("value", raw).
				Msg("ignoring malformed request deadline header")
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := WithDeadline(r.Context(), at.UTC())
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DeadlineRoundTripper re-emits the propagated deadline on outbound HTTP
// requests.
type DeadlineRoundTripper struct {
	next http.RoundTripper
}

// NewDeadlineRoundTripper wraps next; a nil next uses the default
// transport.
func NewDeadlineRoundTripper(next http.RoundTripper) *DeadlineRoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &DeadlineRoundTripper{next: next}
}

// RoundTrip adds X-Request-Deadline when the context carries a deadline.
func (t *DeadlineRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if at, ok := Deadline(req.Context()); ok {
		req = req.Clone(req.Context())
		req.Header.Set(DeadlineHeader, at.UTC().Format(time.RFC3339))
	}
	return t.next.RoundTrip(req)
}
