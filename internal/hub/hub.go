// Package hub drives the realtime side of the chat backend: it owns the
// registry of live connections, feeds connect/disconnect transitions
// into the presence tracker, gates direct messages on friendship, and
// fans persisted messages and presence events out to every connection
// that should see them.
package hub

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"jamchat/internal/presence"
	"jamchat/internal/storage"
)

// ErrNotFriends rejects a direct message between users without an
// accepted friendship. It surfaces to the caller; it never terminates
// the connection.
var ErrNotFriends = errors.New("users are not friends")

// Storage is the durable-state surface the hub needs. *storage.Store
// satisfies it; tests substitute in-memory fakes.
type Storage interface {
	AreFriends(ctx context.Context, a, b uuid.UUID) (bool, error)
	GetOrCreateDialog(ctx context.Context, a, b uuid.UUID) (storage.Dialog, error)
	CreateMessage(ctx context.Context, dialogID, senderID uuid.UUID, text string) (storage.Message, error)
	UserShowOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	SetShowOnline(ctx context.Context, userID uuid.UUID, show bool) (bool, error)
	VisibleOnline(ctx context.Context, candidates []uuid.UUID) ([]uuid.UUID, error)
}

// Session is one live, authenticated realtime connection. Send must not
// block; slow consumers are the implementation's problem.
type Session interface {
	ID() string
	UserID() uuid.UUID
	Send(data []byte)
}

// Relay publishes scoped frames to other process instances so that
// "deliver to all connections of user U" holds across a multi-instance
// deployment. Remote instances feed received frames into DeliverFrame.
type Relay interface {
	Publish(f Frame) error
}

type Option interface {
	apply(*Hub)
}

type optionFunc func(*Hub)

func (f optionFunc) apply(h *Hub) { f(h) }

// WithRelay attaches a fan-out backplane for multi-instance deployments
func WithRelay(r Relay) Option {
	return optionFunc(func(h *Hub) { h.relay = r })
}

// Hub is safe for concurrent use from any number of connection
// goroutines. The registry mutex guards only in-memory maps; storage
// calls never happen under it.
type Hub struct {
	logger     *zap.SugaredLogger
	store      Storage
	presence   *presence.Tracker
	relay      Relay
	instanceID string

	mu       sync.RWMutex
	sessions map[string]Session
	byUser   map[uuid.UUID]map[string]Session
}

func New(logger *zap.SugaredLogger, store Storage, tracker *presence.Tracker, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		store:      store,
		presence:   tracker,
		instanceID: xid.New().String(),
		sessions:   make(map[string]Session),
		byUser:     make(map[uuid.UUID]map[string]Session),
	}

	for _, opt := range opts {
		opt.apply(h)
	}

	return h
}

// Register puts an authenticated session into the registry and the
// presence tracker. If this is the user's first live connection and the
// user is visible, everyone else gets a UserOnline event.
func (h *Hub) Register(ctx context.Context, s Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	set, ok := h.byUser[s.UserID()]
	if !ok {
		set = make(map[string]Session)
		h.byUser[s.UserID()] = set
	}
	set[s.ID()] = s
	h.mu.Unlock()

	h.logger.Debugf("Registered connection %s for user %s", s.ID(), s.UserID())

	if h.presence.Connect(s.UserID(), s.ID()) {
		h.announcePresence(ctx, s.UserID(), true, s.ID())
	}
}

// Unregister removes the session. If it was the user's last live
// connection and the user is visible, everyone gets a UserOffline
// event. Unregistering an unknown session is a no-op.
func (h *Hub) Unregister(ctx context.Context, s Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	if set, ok := h.byUser[s.UserID()]; ok {
		delete(set, s.ID())
		if len(set) == 0 {
			delete(h.byUser, s.UserID())
		}
	}
	h.mu.Unlock()

	h.logger.Debugf("Unregistered connection %s for user %s", s.ID(), s.UserID())

	if h.presence.Disconnect(s.UserID(), s.ID()) {
		h.announcePresence(ctx, s.UserID(), false, "")
	}
}

// announcePresence reads the visibility flag and, when set, emits the
// online/offline transition for the user
func (h *Hub) announcePresence(ctx context.Context, userID uuid.UUID, online bool, exceptConn string) {
	show, err := h.store.UserShowOnline(ctx, userID)
	if err != nil {
		h.logger.Errorf("reading visibility for user %s: %v", userID, err)
		return
	}
	if !show {
		return
	}

	h.emitPresence(userID, online, exceptConn)
}

// emitPresence broadcasts the presence transition itself. It is shared
// between the connect/disconnect path and SetVisibility so the two can
// not diverge.
func (h *Hub) emitPresence(userID uuid.UUID, online bool, exceptConn string) {
	var e Event
	if online {
		e = UserOnline{UserID: userID}
	} else {
		e = UserOffline{UserID: userID}
	}

	h.broadcast(e, nil, exceptConn)
}

// broadcast encodes the event once and delivers it locally and, when a
// relay is attached, to every other process instance. An empty users
// slice targets all connections except exceptConn.
func (h *Hub) broadcast(e Event, users []uuid.UUID, exceptConn string) {
	data, err := Encode(e)
	if err != nil {
		h.logger.Errorf("encoding %s event: %v", e.EventName(), err)
		return
	}

	h.deliverLocal(data, users, exceptConn)

	if h.relay == nil {
		return
	}

	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.String()
	}
	if err := h.relay.Publish(Frame{Origin: h.instanceID, Users: ids, ExceptConn: exceptConn, Data: data}); err != nil {
		h.logger.Errorf("publishing %s event to relay: %v", e.EventName(), err)
	}
}

func (h *Hub) deliverLocal(data []byte, users []uuid.UUID, exceptConn string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(users) == 0 {
		for id, s := range h.sessions {
			if id == exceptConn {
				continue
			}
			s.Send(data)
		}
		return
	}

	for _, u := range users {
		for _, s := range h.byUser[u] {
			s.Send(data)
		}
	}
}

// DeliverFrame feeds a frame received from the backplane into the local
// registry. Frames that originated here already went out locally and
// are dropped.
func (h *Hub) DeliverFrame(f Frame) {
	if f.Origin == h.instanceID {
		return
	}

	users := make([]uuid.UUID, 0, len(f.Users))
	for _, s := range f.Users {
		u, err := uuid.Parse(s)
		if err != nil {
			h.logger.Errorf("bad user id %q in relay frame from %s", s, f.Origin)
			return
		}
		users = append(users, u)
	}

	h.deliverLocal(f.Data, users, f.ExceptConn)
}

// SendDirectMessage validates, persists and fans out a direct message.
// Blank text (after trimming) is dropped silently. The broadcast goes
// to every connection of both the sender and the target, and only after
// the message is persisted.
func (h *Hub) SendDirectMessage(ctx context.Context, senderID, targetID uuid.UUID, text string) error {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return nil
	}

	friends, err := h.store.AreFriends(ctx, senderID, targetID)
	if err != nil {
		return errors.Wrap(err, "checking friendship")
	}
	if !friends {
		return ErrNotFriends
	}

	dlg, err := h.store.GetOrCreateDialog(ctx, senderID, targetID)
	if err != nil {
		return errors.Wrap(err, "resolving dialog")
	}

	msg, err := h.store.CreateMessage(ctx, dlg.ID, senderID, text)
	if err != nil {
		if errors.Is(err, storage.ErrMessageEmpty) {
			return nil
		}
		return errors.Wrap(err, "persisting message")
	}

	h.broadcast(
		DirectMessage{SenderID: msg.SenderID, Text: msg.Text, SentAt: msg.SentAt},
		[]uuid.UUID{senderID, targetID},
		"",
	)

	return nil
}

// OnlineVisible returns the online users whose visibility flag is set,
// sorted. Raw presence data never reaches clients unfiltered.
func (h *Hub) OnlineVisible(ctx context.Context) ([]uuid.UUID, error) {
	online := h.presence.ListOnline()
	if len(online) == 0 {
		return nil, nil
	}

	return h.store.VisibleOnline(ctx, online)
}

// SetVisibility persists the flag and, when the user is currently
// online and the flag actually changed, emits the same transition a
// connect or disconnect would.
func (h *Hub) SetVisibility(ctx context.Context, userID uuid.UUID, show bool) error {
	old, err := h.store.SetShowOnline(ctx, userID, show)
	if err != nil {
		return errors.Wrap(err, "persisting visibility")
	}

	if old == show || !h.presence.IsOnline(userID) {
		return nil
	}

	h.emitPresence(userID, show, "")

	return nil
}
