package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"jamchat/internal/auth"
	"jamchat/internal/storage/zapadapter"
)

// lastSeenInterval bounds how often one user's last-seen column is written
const lastSeenInterval = time.Minute

type ctxKey int

const userIDKey ctxKey = iota

// userIDFromContext extracts the authenticated user id placed there by
// the authenticate middleware
func userIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(userIDKey).(uuid.UUID)
	return id, ok
}

// bearerCredential pulls the credential from the Authorization header
// or, for the websocket endpoint where custom headers are awkward for
// browser clients, from the access_token query parameter
func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// authenticate resolves the bearer credential once per request and puts
// the typed user id into the request context. Every entry point sits
// behind this; none parses identity on its own.
func authenticate(next http.Handler, a auth.Authenticator, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerCredential(r)
		if credential == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		userID, err := a.Authenticate(r.Context(), credential)
		if err != nil {
			logger.Debugf("rejected credential from %s: %v", r.RemoteAddr, err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	})
}

// log tags each request with an id and writes an access line
func log(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()

		ctx := zapadapter.NewContextWithID(r.Context(), id)

		logger.Info("incoming http request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("uri", r.URL.RequestURI()),
			zap.String("ip", r.RemoteAddr),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lastSeenRecorder throttles last-seen writes: at most one per user per
// interval, so the users table is not hammered on every request
type lastSeenRecorder struct {
	store    lastSeenStore
	logger   *zap.SugaredLogger
	interval time.Duration

	mu   sync.Mutex
	seen map[uuid.UUID]time.Time
}

type lastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID uuid.UUID) error
}

func newLastSeenRecorder(store lastSeenStore, logger *zap.SugaredLogger, interval time.Duration) *lastSeenRecorder {
	return &lastSeenRecorder{
		store:    store,
		logger:   logger,
		interval: interval,
		seen:     make(map[uuid.UUID]time.Time),
	}
}

func (lr *lastSeenRecorder) due(userID uuid.UUID, now time.Time) bool {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if last, ok := lr.seen[userID]; ok && now.Sub(last) < lr.interval {
		return false
	}
	lr.seen[userID] = now
	return true
}

// middleware records authenticated request activity; it must sit after
// authenticate in the chain
func (lr *lastSeenRecorder) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID, ok := userIDFromContext(r.Context()); ok && lr.due(userID, time.Now()) {
			if err := lr.store.TouchLastSeen(r.Context(), userID); err != nil {
				lr.logger.Errorf("touching last seen for %s: %v", userID, err)
			}
		}

		next.ServeHTTP(w, r)
	})
}
