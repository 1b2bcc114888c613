package gate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"roomcast/signaling/internal/auth"
	"roomcast/signaling/internal/config"
	"roomcast/signaling/internal/logging"
	"roomcast/signaling/internal/protocol"
	"roomcast/signaling/internal/router"
	"roomcast/signaling/internal/store"
)

const testSecret = "gate-test-secret"

func makeToken(t *testing.T, publicKey string, exp time.Time) string {
	t.Helper()
	expStr := strconv.FormatInt(exp.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(publicKey + "." + expStr))
	return expStr + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func newTestGate(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	cfg := &config.Config{
		MaxPayloadBytes:        1 << 20,
		HeartbeatCheckInterval: 10 * time.Millisecond,
		HeartbeatMaxSilence:    time.Hour,
		RequestTimeout:         time.Second,
	}
	logger := logging.NewTestLogger()
	mem := store.NewMemory()
	rooms := store.NewRooms(mem, logger)
	rt := router.New(cfg, logger, rooms)
	t.Cleanup(rt.Shutdown)

	verifier, err := auth.NewHMACVerifier(testSecret, 2*time.Second)
	require.NoError(t, err)

	srv := httptest.NewServer(New(cfg, logger, rt, rooms, verifier))
	t.Cleanup(srv.Close)
	return srv, mem
}

func wsURL(srv *httptest.Server, path, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	if query != "" {
		u += "?" + query
	}
	return u
}

func dial(t *testing.T, srv *httptest.Server, path, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path, query), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialPeer(t *testing.T, srv *httptest.Server, roomID, peerID, subs string) *websocket.Conn {
	t.Helper()
	publicKey, _, _ := strings.Cut(peerID, ".")
	query := "id=" + peerID + "&token=" + makeToken(t, publicKey, time.Now().Add(time.Minute))
	if subs != "" {
		query += "&subs=" + subs
	}
	return dial(t, srv, "/"+roomID, query)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := protocol.Encode(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func expectRejected(t *testing.T, srv *httptest.Server, path, query string) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path, query), nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUpgradeRejectedWithoutID(t *testing.T) {
	srv, _ := newTestGate(t)
	expectRejected(t, srv, "/demo", "token="+makeToken(t, "alice", time.Now().Add(time.Minute)))
}

func TestUpgradeRejectedOnBadToken(t *testing.T) {
	srv, _ := newTestGate(t)

	expectRejected(t, srv, "/demo", "id=alice.1")
	expectRejected(t, srv, "/demo", "id=alice.1&token=not-a-token")
	// Signed for somebody else.
	expectRejected(t, srv, "/demo", "id=alice.1&token="+makeToken(t, "bob", time.Now().Add(time.Minute)))
	// Expired.
	expectRejected(t, srv, "/demo", "id=alice.1&token="+makeToken(t, "alice", time.Now().Add(-time.Minute)))
}

func TestUpgradeRejectedOffAllowList(t *testing.T) {
	srv, mem := newTestGate(t)
	require.NoError(t, mem.Set(context.Background(), "rooms/vip",
		[]byte(`{"access":{"identities":["alice"]}}`)))

	expectRejected(t, srv, "/vip", "id=bob.1&token="+makeToken(t, "bob", time.Now().Add(time.Minute)))

	conn := dialPeer(t, srv, "vip", "alice.1", "")
	env := readEnvelope(t, conn)
	require.Equal(t, protocol.TopicPeers, env.Topic)
}

func TestAdmittedPeerBootstrapsPeerList(t *testing.T) {
	srv, _ := newTestGate(t)

	alice := dialPeer(t, srv, "demo", "alice.1", "")
	env := readEnvelope(t, alice)
	require.Equal(t, protocol.TopicPeers, env.Topic)
	require.JSONEq(t, `[]`, string(env.Data))

	bob := dialPeer(t, srv, "demo", "bob.1", "")
	env = readEnvelope(t, bob)
	require.Equal(t, protocol.TopicPeers, env.Topic)
	require.JSONEq(t, `["alice.1"]`, string(env.Data))

	env = readEnvelope(t, alice)
	require.Equal(t, protocol.TopicServer, env.Topic)
	require.JSONEq(t, `{"t":"add-peer","d":"bob.1"}`, string(env.Data))
}

func TestPublishBetweenSockets(t *testing.T) {
	srv, _ := newTestGate(t)

	alice := dialPeer(t, srv, "demo", "alice.1", "chat")
	readEnvelope(t, alice) // peers bootstrap
	bob := dialPeer(t, srv, "demo", "bob.1", "chat")
	readEnvelope(t, bob)   // peers bootstrap
	readEnvelope(t, alice) // add-peer for bob

	writeEnvelope(t, alice, &protocol.Envelope{Topic: "chat", Data: []byte(`"hi"`)})

	env := readEnvelope(t, bob)
	require.Equal(t, "chat", env.Topic)
	require.Equal(t, "alice.1", env.Peer)
	require.JSONEq(t, `"hi"`, string(env.Data))
}

func TestForwardChannelSkipsTokenCheck(t *testing.T) {
	srv, _ := newTestGate(t)

	worker := dial(t, srv, "/"+protocol.ForwardRoom, "id=worker.1&subs="+protocol.TopicMediasoup)

	// Still needs an id.
	expectRejected(t, srv, "/"+protocol.ForwardRoom, "subs="+protocol.TopicMediasoup)

	dialPeer(t, srv, "demo", "alice.1", "")

	env := readEnvelope(t, worker)
	require.Equal(t, protocol.TopicAddPeer, env.Topic)
	require.Equal(t, "demo", env.Room)
	require.JSONEq(t, `"alice.1"`, string(env.Data))
}

func TestSplitTopics(t *testing.T) {
	require.Nil(t, splitTopics(""))
	require.Nil(t, splitTopics(" , ,"))
	require.Equal(t, []string{"chat", "state"}, splitTopics("chat,state"))
	require.Equal(t, []string{"chat"}, splitTopics(" chat , "))
}
