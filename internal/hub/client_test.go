package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsFixture exposes the hub over a real websocket endpoint; the user id
// comes from a header so each dial picks its identity
func wsFixture(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get("X-Test-User"))
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		client := NewClient(logger.Sugar(), h, conn, userID)
		go client.WritePump()
		client.ReadPump(r.Context())
	}))
	t.Cleanup(ts.Close)

	return ts
}

func dialWs(t *testing.T, ts *httptest.Server, userID uuid.UUID) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Test-User": {userID.String()}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) receivedFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var f receivedFrame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func waitOnline(t *testing.T, h *Hub, users ...uuid.UUID) {
	t.Helper()

	require.Eventually(t, func() bool {
		for _, u := range users {
			if !h.presence.IsOnline(u) {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebsocketDirectMessage(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	userA, userB := uuid.New(), uuid.New()
	store.show[userA] = false
	store.show[userB] = false
	store.friends[pairKey(userA, userB)] = true

	h := bootstrapHub(t, store)
	ts := wsFixture(t, h)

	connA := dialWs(t, ts, userA)
	connB := dialWs(t, ts, userB)
	waitOnline(t, h, userA, userB)

	require.NoError(t, connA.WriteJSON(map[string]string{
		"action":       "SendDirectMessage",
		"targetUserId": userB.String(),
		"text":         "hi",
	}))

	frame := readFrame(t, connB)
	require.Equal(t, "ReceiveDirectMessage", frame.Event)

	var payload struct {
		SenderID uuid.UUID `json:"senderId"`
		Text     string    `json:"text"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	require.Equal(t, userA, payload.SenderID)
	require.Equal(t, "hi", payload.Text)

	// the sender's own connections get the echo as well
	echo := readFrame(t, connA)
	require.Equal(t, "ReceiveDirectMessage", echo.Event)
}

func TestWebsocketNotFriendsError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	userA, userC := uuid.New(), uuid.New()
	store.show[userA] = false
	store.show[userC] = false

	h := bootstrapHub(t, store)
	ts := wsFixture(t, h)

	connA := dialWs(t, ts, userA)
	waitOnline(t, h, userA)

	require.NoError(t, connA.WriteJSON(map[string]string{
		"action":       "SendDirectMessage",
		"targetUserId": userC.String(),
		"text":         "hi",
	}))

	frame := readFrame(t, connA)
	require.Equal(t, "Error", frame.Event)
	require.Equal(t, 0, store.messageCount())

	// the connection survives the rejected operation
	require.NoError(t, connA.WriteJSON(map[string]string{"action": "GetOnlineUsers"}))
	frame = readFrame(t, connA)
	require.Equal(t, "OnlineUsers", frame.Event)
}

func TestWebsocketGetOnlineUsers(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	userA, userB := uuid.New(), uuid.New()
	store.show[userA] = true
	store.show[userB] = true

	h := bootstrapHub(t, store)
	ts := wsFixture(t, h)

	connA := dialWs(t, ts, userA)
	dialWs(t, ts, userB)
	waitOnline(t, h, userA, userB)

	// drain the UserOnline broadcast for B before asking
	frame := readFrame(t, connA)
	require.Equal(t, "UserOnline", frame.Event)

	require.NoError(t, connA.WriteJSON(map[string]string{"action": "GetOnlineUsers"}))

	frame = readFrame(t, connA)
	require.Equal(t, "OnlineUsers", frame.Event)

	var ids []string
	require.NoError(t, json.Unmarshal(frame.Payload, &ids))
	require.ElementsMatch(t, []string{userA.String(), userB.String()}, ids)
}

func TestWebsocketMalformedFrame(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	userA := uuid.New()
	store.show[userA] = false

	h := bootstrapHub(t, store)
	ts := wsFixture(t, h)

	connA := dialWs(t, ts, userA)
	waitOnline(t, h, userA)

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, connA)
	require.Equal(t, "Error", frame.Event)
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	userA := uuid.New()
	store.show[userA] = false

	h := bootstrapHub(t, store)
	ts := wsFixture(t, h)

	connA := dialWs(t, ts, userA)
	waitOnline(t, h, userA)

	connA.Close()

	require.Eventually(t, func() bool {
		return !h.presence.IsOnline(userA)
	}, 3*time.Second, 10*time.Millisecond)
}
