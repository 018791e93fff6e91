package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jamchat/internal/auth"
	"jamchat/internal/storage"
)

// fakeStore implements Store for handler tests
type fakeStore struct {
	friends    bool
	friendsErr error

	dialog storage.Dialog

	offsetViews []storage.MessageView
	cursorViews []storage.MessageView

	offsetCalls   int
	cursorCalls   int
	gotSkip       int
	gotTake       int
	gotBefore     *time.Time
	gotAfter      *time.Time
	showOnline    bool
	gotStatus     storage.UserStatus
	updateCalled  bool
	showOnlineErr error
}

func (f *fakeStore) AreFriends(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
	return f.friends, f.friendsErr
}

func (f *fakeStore) GetOrCreateDialog(context.Context, uuid.UUID, uuid.UUID) (storage.Dialog, error) {
	return f.dialog, nil
}

func (f *fakeStore) MessagesOffset(_ context.Context, _ uuid.UUID, skip, take int) ([]storage.MessageView, error) {
	f.offsetCalls++
	f.gotSkip, f.gotTake = skip, take
	return f.offsetViews, nil
}

func (f *fakeStore) MessagesCursor(_ context.Context, _ uuid.UUID, before, after *time.Time, take int) ([]storage.MessageView, error) {
	f.cursorCalls++
	f.gotBefore, f.gotAfter, f.gotTake = before, after, take
	return f.cursorViews, nil
}

func (f *fakeStore) UserShowOnline(context.Context, uuid.UUID) (bool, error) {
	return f.showOnline, f.showOnlineErr
}

func (f *fakeStore) UpdateStatus(_ context.Context, _ uuid.UUID, status storage.UserStatus) error {
	f.updateCalled = true
	f.gotStatus = status
	return nil
}

// fakeRealtime implements Realtime
type fakeRealtime struct {
	calls   int
	gotShow bool
	err     error
}

func (f *fakeRealtime) SetVisibility(_ context.Context, _ uuid.UUID, show bool) error {
	f.calls++
	f.gotShow = show
	return f.err
}

func bootstrapHandler(t *testing.T, store Store, rt Realtime) *handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	return &handler{
		logger: logger.Sugar(),
		store:  store,
		rt:     rt,
	}
}

// authedRequest builds a request whose context carries the user id, the
// way the authenticate middleware would have left it
func authedRequest(t *testing.T, method, target string, body []byte, userID uuid.UUID) *http.Request {
	t.Helper()

	req, err := http.NewRequest(method, target, bytes.NewReader(body))
	require.NoError(t, err)

	return req.WithContext(context.WithValue(req.Context(), userIDKey, userID))
}

func historyRouter(h *handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/chat/history/{friendId}", h.history).Methods(http.MethodGet)
	return r
}

func TestHistoryBadFriendID(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t, &fakeStore{}, &fakeRealtime{})
	req := authedRequest(t, "GET", "/api/chat/history/not-a-uuid", nil, uuid.New())

	rr := httptest.NewRecorder()
	historyRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryBadSkip(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t, &fakeStore{friends: true}, &fakeRealtime{})
	req := authedRequest(t, "GET", "/api/chat/history/"+uuid.New().String()+"?skip=abc", nil, uuid.New())

	rr := httptest.NewRecorder()
	historyRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryBadBefore(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t, &fakeStore{friends: true}, &fakeRealtime{})
	req := authedRequest(t, "GET", "/api/chat/history/"+uuid.New().String()+"?before=yesterday", nil, uuid.New())

	rr := httptest.NewRecorder()
	historyRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryNotFriends(t *testing.T) {
	t.Parallel()

	store := &fakeStore{friends: false}
	h := bootstrapHandler(t, store, &fakeRealtime{})
	req := authedRequest(t, "GET", "/api/chat/history/"+uuid.New().String(), nil, uuid.New())

	rr := httptest.NewRecorder()
	historyRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
	require.Zero(t, store.offsetCalls)
	require.Zero(t, store.cursorCalls)
}

func TestHistoryOffsetMode(t *testing.T) {
	t.Parallel()

	sender := uuid.New()
	sent := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{
		friends:     true,
		offsetViews: []storage.MessageView{{SenderID: sender, Text: "hi", SentAt: sent}},
	}
	h := bootstrapHandler(t, store, &fakeRealtime{})
	req := authedRequest(t, "GET", "/api/chat/history/"+uuid.New().String()+"?skip=10&take=20", nil, uuid.New())

	rr := httptest.NewRecorder()
	historyRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, store.offsetCalls)
	require.Zero(t, store.cursorCalls)
	require.Equal(t, 10, store.gotSkip)
	require.Equal(t, 20, store.gotTake)

	var got []storage.MessageView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, sender, got[0].SenderID)
	require.Equal(t, "hi", got[0].Text)
	require.True(t, sent.Equal(got[0].SentAt))
}

func TestHistoryCursorMode(t *testing.T) {
	t.Parallel()

	store := &fakeStore{friends: true}
	h := bootstrapHandler(t, store, &fakeRealtime{})

	before := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	target := "/api/chat/history/" + uuid.New().String() + "?before=" + before.Format(time.RFC3339)
	req := authedRequest(t, "GET", target, nil, uuid.New())

	rr := httptest.NewRecorder()
	historyRouter(h).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, store.cursorCalls)
	require.Zero(t, store.offsetCalls)
	require.NotNil(t, store.gotBefore)
	require.True(t, before.Equal(*store.gotBefore))
	require.Nil(t, store.gotAfter)
	require.Equal(t, "[]", rr.Body.String(), "empty history marshals to an empty array")
}

func TestGetVisibility(t *testing.T) {
	t.Parallel()

	h := bootstrapHandler(t, &fakeStore{showOnline: true}, &fakeRealtime{})
	req := authedRequest(t, "GET", "/api/users/presence-visibility", nil, uuid.New())

	rr := httptest.NewRecorder()
	h.getVisibility(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"showOnline":true}`, rr.Body.String())
}

func TestPutVisibility(t *testing.T) {
	t.Parallel()

	rt := &fakeRealtime{}
	h := bootstrapHandler(t, &fakeStore{}, rt)
	req := authedRequest(t, "PUT", "/api/users/presence-visibility", []byte(`{"showOnline":false}`), uuid.New())

	rr := httptest.NewRecorder()
	h.putVisibility(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, 1, rt.calls)
	require.False(t, rt.gotShow)
}

func TestPutVisibilityMalformedJSON(t *testing.T) {
	t.Parallel()

	rt := &fakeRealtime{}
	h := bootstrapHandler(t, &fakeStore{}, rt)
	req := authedRequest(t, "PUT", "/api/users/presence-visibility", []byte(`{"showOnline":`), uuid.New())

	rr := httptest.NewRecorder()
	h.putVisibility(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, rt.calls)
}

func TestPutVisibilityNotBoolean(t *testing.T) {
	t.Parallel()

	rt := &fakeRealtime{}
	h := bootstrapHandler(t, &fakeStore{}, rt)
	req := authedRequest(t, "PUT", "/api/users/presence-visibility", []byte(`{"showOnline":"yes"}`), uuid.New())

	rr := httptest.NewRecorder()
	h.putVisibility(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, rt.calls)
}

func TestPutStatus(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	h := bootstrapHandler(t, store, &fakeRealtime{})
	req := authedRequest(t, "PUT", "/api/users/status", []byte(`{"status":2}`), uuid.New())

	rr := httptest.NewRecorder()
	h.putStatus(rr, req)

	require.Equal(t, http.StatusNoContent, rr.Code)
	require.True(t, store.updateCalled)
	require.Equal(t, storage.StatusBusy, store.gotStatus)
}

func TestPutStatusOutOfRange(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	h := bootstrapHandler(t, store, &fakeRealtime{})
	req := authedRequest(t, "PUT", "/api/users/status", []byte(`{"status":42}`), uuid.New())

	rr := httptest.NewRecorder()
	h.putStatus(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.False(t, store.updateCalled)
}

func TestPutStatusMissingField(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	h := bootstrapHandler(t, store, &fakeRealtime{})
	req := authedRequest(t, "PUT", "/api/users/status", []byte(`{}`), uuid.New())

	rr := httptest.NewRecorder()
	h.putStatus(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.False(t, store.updateCalled)
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestAuthenticateValidToken(t *testing.T) {
	t.Parallel()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	a := auth.NewTokenAuthenticator([]byte("secret"))
	user := uuid.New()

	var gotUser uuid.UUID
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := userIDFromContext(r.Context())
		require.True(t, ok)
		gotUser = id
		w.WriteHeader(http.StatusOK)
	})

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+a.Issue(user, time.Hour))

	rr := httptest.NewRecorder()
	authenticate(inner, a, logger.Sugar()).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, user, gotUser)
}

func TestAuthenticateQueryToken(t *testing.T) {
	t.Parallel()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	a := auth.NewTokenAuthenticator([]byte("secret"))
	token := a.Issue(uuid.New(), time.Hour)

	req, err := http.NewRequest("GET", "/ws?access_token="+token, nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	authenticate(http.HandlerFunc(statusOkHandler), a, logger.Sugar()).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthenticateMissingToken(t *testing.T) {
	t.Parallel()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	a := auth.NewTokenAuthenticator([]byte("secret"))

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	authenticate(http.HandlerFunc(statusOkHandler), a, logger.Sugar()).ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthenticateBadToken(t *testing.T) {
	t.Parallel()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	a := auth.NewTokenAuthenticator([]byte("secret"))

	req, err := http.NewRequest("GET", "/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer bogus")

	rr := httptest.NewRecorder()
	authenticate(http.HandlerFunc(statusOkHandler), a, logger.Sugar()).ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

type countingLastSeenStore struct {
	calls int
}

func (c *countingLastSeenStore) TouchLastSeen(context.Context, uuid.UUID) error {
	c.calls++
	return nil
}

func TestLastSeenThrottle(t *testing.T) {
	t.Parallel()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store := &countingLastSeenStore{}
	lr := newLastSeenRecorder(store, logger.Sugar(), time.Minute)

	user := uuid.New()
	mw := lr.middleware(http.HandlerFunc(statusOkHandler))

	for i := 0; i < 3; i++ {
		req := authedRequest(t, "GET", "/", nil, user)
		rr := httptest.NewRecorder()
		mw.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	}

	require.Equal(t, 1, store.calls, "only the first request inside the interval writes")

	// a different user is tracked independently
	req := authedRequest(t, "GET", "/", nil, uuid.New())
	mw.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, 2, store.calls)
}
