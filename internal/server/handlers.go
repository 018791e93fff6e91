package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"jamchat/internal/hub"
	"jamchat/internal/storage"
)

const defaultTake = 50

// Store is the persistence surface the HTTP handlers need;
// *storage.Store satisfies it
type Store interface {
	AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error)
	GetOrCreateDialog(ctx context.Context, a, b uuid.UUID) (storage.Dialog, error)
	MessagesOffset(ctx context.Context, dialogID uuid.UUID, skip, take int) ([]storage.MessageView, error)
	MessagesCursor(ctx context.Context, dialogID uuid.UUID, before, after *time.Time, take int) ([]storage.MessageView, error)
	UserShowOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	UpdateStatus(ctx context.Context, userID uuid.UUID, status storage.UserStatus) error
}

// Realtime is the slice of hub behavior reachable over plain HTTP
type Realtime interface {
	SetVisibility(ctx context.Context, userID uuid.UUID, show bool) error
}

type handler struct {
	logger *zap.SugaredLogger
	store  Store
	rt     Realtime
	hub    *hub.Hub

	upgrader websocket.Upgrader

	visibilityPool fastjson.ParserPool
	statusPool     fastjson.ParserPool
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := userIDFromContext(r.Context())
	if !ok {
		// only reachable if a route was wired outside the authenticate middleware
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

// history handles GET /api/chat/history/{friendId}.
// skip/take select offset mode; a before or after timestamp (RFC 3339)
// switches to cursor mode.
func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	me, ok := h.me(w, r)
	if !ok {
		return
	}

	friendID, err := uuid.Parse(mux.Vars(r)["friendId"])
	if err != nil {
		http.Error(w, "friendId must be a valid user id", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()

	skip := 0
	if s := q.Get("skip"); s != "" {
		if skip, err = strconv.Atoi(s); err != nil {
			http.Error(w, "Parameter \"skip\" must be an integer", http.StatusBadRequest)
			return
		}
	}

	take := defaultTake
	if s := q.Get("take"); s != "" {
		if take, err = strconv.Atoi(s); err != nil {
			http.Error(w, "Parameter \"take\" must be an integer", http.StatusBadRequest)
			return
		}
	}

	var before, after *time.Time
	if s := q.Get("before"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "Parameter \"before\" must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		before = &ts
	}
	if s := q.Get("after"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "Parameter \"after\" must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		after = &ts
	}

	friends, err := h.store.AreFriends(r.Context(), me, friendID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if !friends {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	dlg, err := h.store.GetOrCreateDialog(r.Context(), me, friendID)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var views []storage.MessageView
	if before != nil || after != nil {
		views, err = h.store.MessagesCursor(r.Context(), dlg.ID, before, after, take)
	} else {
		views, err = h.store.MessagesOffset(r.Context(), dlg.ID, skip, take)
	}
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if views == nil {
		views = []storage.MessageView{}
	}
	h.respondJSON(w, http.StatusOK, views)
}

// getVisibility handles GET /api/users/presence-visibility
func (h *handler) getVisibility(w http.ResponseWriter, r *http.Request) {
	me, ok := h.me(w, r)
	if !ok {
		return
	}

	show, err := h.store.UserShowOnline(r.Context(), me)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusOK, struct {
		ShowOnline bool `json:"showOnline"`
	}{show})
}

// putVisibility handles PUT /api/users/presence-visibility. Flipping
// the flag while online triggers the same presence broadcast a connect
// or disconnect would.
func (h *handler) putVisibility(w http.ResponseWriter, r *http.Request) {
	me, ok := h.me(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Can not read request body", http.StatusBadRequest)
		return
	}

	parser := h.visibilityPool.Get()
	defer h.visibilityPool.Put(parser)
	v, err := parser.ParseBytes(body)
	if err != nil {
		http.Error(w, "Malformed JSON", http.StatusBadRequest)
		return
	}

	showValue := v.Get("showOnline")
	if showValue == nil || (showValue.Type() != fastjson.TypeTrue && showValue.Type() != fastjson.TypeFalse) {
		http.Error(w, "Field \"showOnline\" must be a boolean", http.StatusBadRequest)
		return
	}
	show, _ := showValue.Bool()

	if err := h.rt.SetVisibility(r.Context(), me, show); err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// putStatus handles PUT /api/users/status, the display status a user
// picks for themselves
func (h *handler) putStatus(w http.ResponseWriter, r *http.Request) {
	me, ok := h.me(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Can not read request body", http.StatusBadRequest)
		return
	}

	parser := h.statusPool.Get()
	defer h.statusPool.Put(parser)
	v, err := parser.ParseBytes(body)
	if err != nil {
		http.Error(w, "Malformed JSON", http.StatusBadRequest)
		return
	}

	statusValue := v.Get("status")
	if statusValue == nil {
		http.Error(w, "Missing Field \"status\"", http.StatusBadRequest)
		return
	}
	status, err := statusValue.Int()
	if err != nil || status < int(storage.StatusOffline) || status > int(storage.StatusInvisible) {
		http.Error(w, "Field \"status\" must be a valid status code", http.StatusBadRequest)
		return
	}

	if err := h.store.UpdateStatus(r.Context(), me, storage.UserStatus(status)); err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// serveWs handles GET /ws: upgrades the authenticated request into a
// realtime session and blocks until the connection dies
func (h *handler) serveWs(w http.ResponseWriter, r *http.Request) {
	me, ok := h.me(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.logger.Debugf("websocket upgrade for %s failed: %v", me, err)
		return
	}

	client := hub.NewClient(h.logger, h.hub, conn, me)
	go client.WritePump()
	client.ReadPump(r.Context())
}

func (h *handler) respondJSON(w http.ResponseWriter, code int, body interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(payload); err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}
