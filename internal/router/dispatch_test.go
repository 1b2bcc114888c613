package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roomcast/signaling/internal/protocol"
)

func send(t *testing.T, r *Router, c *Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := protocol.Encode(env)
	require.NoError(t, err)
	r.HandleMessage(c, raw)
}

func sendForward(t *testing.T, r *Router, fc *Conn, env *protocol.Envelope) {
	t.Helper()
	raw, err := protocol.Encode(env)
	require.NoError(t, err)
	r.HandleForwardMessage(fc, raw)
}

func TestPublishScopedToRoomAndTopic(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, aliceSender := attachPeer(t, r, "garden", "alice.1", "chat")
	_, bob := attachPeer(t, r, "garden", "bob.1", "chat")
	_, carol := attachPeer(t, r, "garden", "carol.1")
	_, dave := attachPeer(t, r, "lobby", "dave.1", "chat")
	for _, s := range []*fakeSender{aliceSender, bob, carol, dave} {
		s.reset()
	}

	send(t, r, alice, &protocol.Envelope{Topic: "chat", Data: []byte(`"hello"`)})

	for _, s := range []*fakeSender{aliceSender, bob} {
		env := s.last(t)
		require.Equal(t, "chat", env.Topic)
		require.JSONEq(t, `"hello"`, string(env.Data))
		require.Equal(t, "alice.1", env.Peer)
		require.Equal(t, 1, s.count())
	}
	require.Zero(t, carol.count(), "unsubscribed peer received a publish")
	require.Zero(t, dave.count(), "publish leaked across rooms")
}

func TestSenderExcludedUnlessSubscribed(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, aliceSender := attachPeer(t, r, "garden", "alice.1")
	_, bob := attachPeer(t, r, "garden", "bob.1", "chat")
	aliceSender.reset()
	bob.reset()

	send(t, r, alice, &protocol.Envelope{Topic: "chat", Data: []byte(`"hi"`)})

	require.Equal(t, 1, bob.count())
	require.Zero(t, aliceSender.count())
}

func TestSubsProcessedOnEveryMessage(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, aliceSender := attachPeer(t, r, "garden", "alice.1")
	bob, bobSender := attachPeer(t, r, "garden", "bob.1")
	aliceSender.reset()
	bobSender.reset()

	// Subscription piggybacks on an envelope with no topic.
	send(t, r, bob, &protocol.Envelope{Subs: []string{"chat"}})
	require.Zero(t, bobSender.count())

	send(t, r, alice, &protocol.Envelope{Topic: "chat", Data: []byte(`"now you hear me"`)})
	require.Equal(t, 1, bobSender.count())
	require.Equal(t, "chat", bobSender.last(t).Topic)
}

func TestReservedTopicImpersonationDropped(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, _ := attachPeer(t, r, "garden", "alice.1")
	_, bob := attachPeer(t, r, "garden", "bob.1")
	bob.reset()

	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicAddPeer, Data: []byte(`"mallory.1"`)})
	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicServer, Data: []byte(`{"t":"x","d":1}`)})

	require.Zero(t, bob.count())
}

func TestPingRefreshesLiveness(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, sender := attachPeer(t, r, "garden", "alice.1")
	sender.reset()
	before := alice.lastPing.Load()

	time.Sleep(2 * time.Millisecond)
	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicPing})

	require.Greater(t, alice.lastPing.Load(), before)
	require.Zero(t, sender.count(), "ping must not fan out")
}

func TestMalformedMessageDropped(t *testing.T) {
	r, _ := newTestRouter(t, nil)
	alice, _ := attachPeer(t, r, "garden", "alice.1")
	_, bob := attachPeer(t, r, "garden", "bob.1")
	bob.reset()

	r.HandleMessage(alice, []byte(`{"t":`))
	r.HandleMessage(alice, nil)

	require.Zero(t, bob.count())
}

func TestDirectMessageBetweenPeers(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, aliceSender := attachPeer(t, r, "garden", "alice.1")
	_, bob := attachPeer(t, r, "garden", "bob.1")
	aliceSender.reset()
	bob.reset()

	send(t, r, alice, &protocol.Envelope{
		Topic: protocol.TopicDirect,
		Peer:  "bob.1",
		Data:  []byte(`"psst"`),
	})

	env := bob.last(t)
	require.Equal(t, protocol.TopicDirect, env.Topic)
	require.Equal(t, "alice.1", env.Peer)
	require.JSONEq(t, `"psst"`, string(env.Data))

	// Absent target: fire and forget.
	send(t, r, alice, &protocol.Envelope{
		Topic: protocol.TopicDirect,
		Peer:  "ghost.9",
		Data:  []byte(`"anyone?"`),
	})
	require.Zero(t, aliceSender.count())
}

func TestModeratorListReevaluatedPerMessage(t *testing.T) {
	r, mem := newTestRouter(t, nil)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "rooms/garden", []byte(`{"moderators":["mod"]}`)))

	alice, _ := attachPeer(t, r, "garden", "alice.1")
	_, mod := attachPeer(t, r, "garden", "mod.1")
	_, bob := attachPeer(t, r, "garden", "bob.1")
	mod.reset()
	bob.reset()

	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicModerator, Data: []byte(`"report"`)})

	env := mod.last(t)
	require.Equal(t, protocol.TopicDirect, env.Topic)
	require.Equal(t, "alice.1", env.Peer)
	require.JSONEq(t, `"report"`, string(env.Data))
	require.Zero(t, bob.count())

	// Demoting the moderator takes effect on the very next message.
	require.NoError(t, mem.Set(ctx, "rooms/garden", []byte(`{"moderators":[]}`)))
	mod.reset()
	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicModerator, Data: []byte(`"again"`)})
	require.Zero(t, mod.count())
}

func TestMediasoupRelayedToHandler(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, aliceSender := attachPeer(t, r, "garden", "alice.1")
	aliceSender.reset()

	// No worker yet: silently dropped.
	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicMediasoup, Data: []byte(`{}`)})

	_, forward := attachForward(t, r, "worker-1", protocol.TopicMediasoup)
	forward.reset()

	send(t, r, alice, &protocol.Envelope{
		Topic:   protocol.TopicMediasoup,
		Data:    []byte(`{"action":"join"}`),
		Request: "alice-req-1",
	})

	env := forward.last(t)
	require.Equal(t, protocol.TopicMediasoup, env.Topic)
	require.Equal(t, "garden", env.Room)
	require.Equal(t, "alice.1", env.Peer)
	require.Equal(t, "alice-req-1", env.Request)
	require.JSONEq(t, `{"action":"join"}`, string(env.Data))
}

func TestForwardHandlerLastRegistrationWins(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, _ := attachPeer(t, r, "garden", "alice.1")
	old, oldSender := attachForward(t, r, "worker-1", protocol.TopicMediasoup)
	_, newSender := attachForward(t, r, "worker-2", protocol.TopicMediasoup)
	oldSender.reset()
	newSender.reset()

	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicMediasoup, Data: []byte(`{}`)})
	require.Zero(t, oldSender.count())
	require.Equal(t, 1, newSender.count())

	// Closing the superseded worker must not clear the live handler.
	r.CloseConn(old)
	newSender.reset()
	send(t, r, alice, &protocol.Envelope{Topic: protocol.TopicMediasoup, Data: []byte(`{}`)})
	require.Equal(t, 1, newSender.count())
}

func TestForwardResponseRoutedToPeer(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	_, alice := attachPeer(t, r, "garden", "alice.1")
	worker, _ := attachForward(t, r, "worker-1", protocol.TopicMediasoup)
	alice.reset()

	sendForward(t, r, worker, &protocol.Envelope{
		Topic:   protocol.TopicResponse,
		Room:    "garden",
		Peer:    "alice.1",
		Request: "alice-req-1",
		Data:    []byte(`{"ok":true}`),
	})

	env := alice.last(t)
	require.Equal(t, protocol.TopicResponse, env.Topic)
	require.Equal(t, "alice-req-1", env.Request)
	require.JSONEq(t, `{"ok":true}`, string(env.Data))
}

func TestForwardResponseResolvesLocalRequestFirst(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	_, alice := attachPeer(t, r, "garden", "alice.1")
	worker, _ := attachForward(t, r, "worker-1", protocol.TopicMediasoup)
	alice.reset()

	id, result := r.requests.newLocal(time.Second)
	sendForward(t, r, worker, &protocol.Envelope{
		Topic:   protocol.TopicResponse,
		Room:    "garden",
		Peer:    "alice.1",
		Request: id,
		Data:    []byte(`"resolved"`),
	})

	select {
	case res := <-result:
		require.NoError(t, res.Err)
		require.JSONEq(t, `"resolved"`, string(res.Data))
	case <-time.After(time.Second):
		t.Fatal("local request not resolved")
	}
	require.Zero(t, alice.count(), "correlated response also sent to peer")
}

func TestForwardNotifyDeliversServerEnvelope(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	_, alice := attachPeer(t, r, "garden", "alice.1")
	worker, workerSender := attachForward(t, r, "worker-1", protocol.TopicMediasoup)
	alice.reset()

	sendForward(t, r, worker, &protocol.Envelope{
		Topic: "consumer-closed",
		Room:  "garden",
		Peer:  "alice.1",
		Data:  []byte(`{"id":"c1"}`),
	})

	env := alice.last(t)
	require.Equal(t, protocol.TopicServer, env.Topic)
	require.Empty(t, env.Request)
	require.JSONEq(t, `{"t":"consumer-closed","d":{"id":"c1"}}`, string(env.Data))

	// Unknown target peer: logged and dropped, nothing echoes back.
	sendForward(t, r, worker, &protocol.Envelope{
		Topic: "consumer-closed",
		Room:  "garden",
		Peer:  "ghost.9",
		Data:  []byte(`{}`),
	})
	require.Zero(t, workerSender.count())
}

func TestForwardRequestRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	alice, aliceSender := attachPeer(t, r, "garden", "alice.1")
	worker, workerSender := attachForward(t, r, "worker-1", protocol.TopicMediasoup)
	aliceSender.reset()
	workerSender.reset()

	sendForward(t, r, worker, &protocol.Envelope{
		Topic:   "restart-ice",
		Room:    "garden",
		Peer:    "alice.1",
		Request: "worker;7",
		Data:    []byte(`{"transport":"t1"}`),
	})

	env := aliceSender.last(t)
	require.Equal(t, protocol.TopicServer, env.Topic)
	require.Equal(t, "worker;7", env.Request)
	require.JSONEq(t, `{"t":"restart-ice","d":{"transport":"t1"}}`, string(env.Data))

	send(t, r, alice, &protocol.Envelope{
		Topic:   protocol.TopicResponse,
		Request: "worker;7",
		Data:    []byte(`{"restarted":true}`),
	})

	reply := workerSender.last(t)
	require.Equal(t, protocol.TopicResponse, reply.Topic)
	require.Equal(t, "worker;7", reply.Request)
	require.JSONEq(t, `{"restarted":true}`, string(reply.Data))
}
