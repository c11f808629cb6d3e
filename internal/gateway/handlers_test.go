package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleAuthSuccess(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newTestConn()

	env.gw.sched.Schedule(authTimeoutKey(c.id), time.Hour, func() {})

	env.gw.handleMessage(c, inFrame(t, OpAuth, AuthPayload{Token: "token-alice"}))

	frame := nextFrame(t, c)
	require.Equal(t, OpAuthOK, frame.Op)
	var ok AuthOKPayload
	decodePayload(t, frame, &ok)
	assert.Equal(t, "alice", ok.UserID)
	assert.Equal(t, "dev1", ok.DeviceID)

	assert.True(t, c.Authenticated())
	assert.Equal(t, "alice", c.UserID())
	assert.False(t, env.gw.sched.Pending(authTimeoutKey(c.id)), "auth deadline cancelled")
	assert.Equal(t, []string{"alice"}, env.presence.connected)
}

func TestHandleAuthInvalidToken(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()

	env.gw.handleMessage(c, inFrame(t, OpAuth, AuthPayload{Token: "bogus"}))

	frame := nextFrame(t, c)
	assert.Equal(t, OpAuthFail, frame.Op)
	assert.Equal(t, CloseAuthFailed, sock.CloseCode())
	assert.True(t, c.isClosed())
	assert.Empty(t, env.presence.connected)
}

func TestHandleAuthTwiceIsRejectedWithoutStateChange(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, OpAuth, AuthPayload{Token: "token-alice"}))

	frame := nextFrame(t, c)
	require.Equal(t, OpError, frame.Op)
	var ep ErrorPayload
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeAlreadyAuthenticated, ep.Code)

	assert.Zero(t, sock.CloseCode(), "connection stays open")
	assert.Equal(t, "alice", c.UserID())
	assert.Len(t, env.presence.connected, 1)
}

func TestHandleAuthConnectionLimit(t *testing.T) {
	env := newTestEnv(t)

	c1, _ := env.newTestConn()
	c2, _ := env.newTestConn()
	env.authenticate(t, c1)
	env.authenticate(t, c2)

	c3, sock := env.newTestConn()
	env.gw.handleMessage(c3, inFrame(t, OpAuth, AuthPayload{Token: "token-alice"}))

	frame := nextFrame(t, c3)
	assert.Equal(t, OpAuthFail, frame.Op)
	assert.Equal(t, CloseConnectionLimit, sock.CloseCode())
	assert.Equal(t, 2, env.gw.registry.UserConnectionCount("alice"))
}

func TestAuthAfterDisconnectDuringVerifyLeavesNoUserIndexEntry(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newTestConn()

	// Teardown fires while the token verification round-trip is in flight.
	env.verifier.onVerify = func() {
		env.gw.disconnect(c, CloseAuthTimeout, "authentication timed out")
	}

	env.gw.handleMessage(c, inFrame(t, OpAuth, AuthPayload{Token: "token-alice"}))

	assert.Zero(t, env.gw.registry.Count())
	assert.Zero(t, env.gw.registry.UserConnectionCount("alice"),
		"closed connection must not enter the user index")
	assert.False(t, c.Authenticated())
	assert.Empty(t, env.presence.connected)
}

func TestUnauthenticatedOpClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()

	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general"}}))

	assert.Equal(t, CloseNotAuthenticated, sock.CloseCode())
	assert.True(t, c.isClosed())
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()

	env.gw.handleMessage(c, []byte("{not json"))

	assert.Equal(t, CloseInvalidPayload, sock.CloseCode())
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, 99, nil))

	assert.Equal(t, CloseInvalidPayload, sock.CloseCode())
}

func TestHandleHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	c.missHeartbeat()
	c.missHeartbeat()

	env.gw.handleMessage(c, inFrame(t, OpHeartbeat, nil))

	frame := nextFrame(t, c)
	assert.Equal(t, OpHeartbeatAck, frame.Op)

	c.mu.RLock()
	missed := c.missedHeartbeats
	c.mu.RUnlock()
	assert.Zero(t, missed)

	assert.Equal(t, []string{"alice"}, env.presence.refreshed)
}

func TestHeartbeatAllowedBeforeAuth(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()

	env.gw.handleMessage(c, inFrame(t, OpHeartbeat, nil))

	frame := nextFrame(t, c)
	assert.Equal(t, OpHeartbeatAck, frame.Op)
	assert.Zero(t, sock.CloseCode())
	assert.Empty(t, env.presence.refreshed, "no presence refresh before auth")
}

func TestHandleSubscribePartition(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["general"] = true
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general", "secret"}}))

	frame := nextFrame(t, c)
	require.Equal(t, OpError, frame.Op)
	var ep ErrorPayload
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeSubscriptionDenied, ep.Code)
	assert.Equal(t, []string{"secret"}, ep.Denied)

	assert.True(t, c.inChannel("general"))
	assert.False(t, c.inChannel("secret"))
	assert.Equal(t, []string{"general"}, env.topics.ensured)
}

func TestSubscribeAfterDisconnectDuringPartitionLeavesNoChannelIndexEntry(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["general"] = true
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	// Heartbeat sweep tears the connection down while the oracle round-trip
	// is in flight.
	env.authz.onPartition = func() {
		env.gw.disconnect(c, CloseHeartbeatTimeout, "heartbeat timed out")
	}

	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general"}}))

	assert.Empty(t, env.gw.registry.ChannelConnections("general"),
		"closed connection must not enter the channel index")
	assert.Empty(t, env.topics.ensured, "no broker topic pinned for a dead subscriber")
}

func TestHandleSubscribeRejectsBatchWithInvalidID(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["general"] = true
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general", "bad id!"}}))

	frame := nextFrame(t, c)
	require.Equal(t, OpError, frame.Op)
	var ep ErrorPayload
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeInvalidRequest, ep.Code)

	// The whole batch is rejected; the valid id was not subscribed either.
	assert.False(t, c.inChannel("general"))
	assert.Empty(t, env.topics.ensured)
}

func TestHandleSubscribeRejectsEmptyAndOversizedBatch(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: nil}))
	frame := nextFrame(t, c)
	var ep ErrorPayload
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeInvalidRequest, ep.Code)

	big := make([]string, maxSubscribeBatch+1)
	for i := range big {
		big[i] = "ch"
	}
	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: big}))
	frame = nextFrame(t, c)
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeInvalidRequest, ep.Code)
}

func TestHandleUnsubscribeReleasesTopic(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["general"] = true
	c, _ := env.newTestConn()
	env.authenticate(t, c)
	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general"}}))

	env.gw.handleMessage(c, inFrame(t, OpUnsubscribe, SubscribePayload{ChannelIDs: []string{"general"}}))

	assert.False(t, c.inChannel("general"))
	assert.Equal(t, []string{"general"}, env.topics.released)
}

func TestHandleTypingBroadcastsToOthers(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["general"] = true

	sender, _ := env.newTestConn()
	env.authenticate(t, sender)
	env.gw.handleMessage(sender, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general"}}))

	peer, _ := env.newTestConn()
	env.gw.registry.Subscribe(peer, "general")

	env.gw.handleMessage(sender, inFrame(t, OpTypingStart, TypingPayload{ChannelID: "general"}))

	frame := nextFrame(t, peer)
	require.Equal(t, OpDispatch, frame.Op)
	assert.Equal(t, EventTypingStart, frame.T)
	var tp TypingPayload
	decodePayload(t, frame, &tp)
	assert.Equal(t, "alice", tp.UserID)

	select {
	case raw := <-sender.send:
		t.Fatalf("sender received its own typing echo: %s", raw)
	default:
	}
}

func TestHandleTypingRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, OpTypingStart, TypingPayload{ChannelID: "general"}))

	frame := nextFrame(t, c)
	var ep ErrorPayload
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeNotSubscribed, ep.Code)
}

func TestHandleVoiceActions(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["voice-1"] = true
	c, _ := env.newTestConn()
	env.authenticate(t, c)
	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"voice-1"}}))

	env.gw.handleMessage(c, inFrame(t, OpVoiceStateUpdate, VoiceStatePayload{Action: "join", ChannelID: "voice-1"}))
	env.gw.handleMessage(c, inFrame(t, OpVoiceStateUpdate, VoiceStatePayload{Action: "update", ChannelID: "voice-1", SelfMute: true}))
	env.gw.handleMessage(c, inFrame(t, OpVoiceStateUpdate, VoiceStatePayload{Action: "leave", ChannelID: "voice-1"}))

	assert.Equal(t, []voiceCall{
		{action: "join", channelID: "voice-1", userID: "alice"},
		{action: "update", channelID: "voice-1", userID: "alice"},
		{action: "leave", channelID: "voice-1", userID: "alice"},
	}, env.voice.calls)
}

func TestHandleVoiceRequiresSubscription(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.newTestConn()
	env.authenticate(t, c)

	env.gw.handleMessage(c, inFrame(t, OpVoiceStateUpdate, VoiceStatePayload{Action: "join", ChannelID: "voice-1"}))

	frame := nextFrame(t, c)
	var ep ErrorPayload
	decodePayload(t, frame, &ep)
	assert.Equal(t, ErrCodeNotSubscribed, ep.Code)
	assert.Empty(t, env.voice.calls)
}

func TestHandleSignalRoutedToTargetUser(t *testing.T) {
	env := newTestEnv(t)

	caller, _ := env.newTestConn()
	env.authenticate(t, caller)

	target, _ := env.newTestConn()
	require.NoError(t, env.gw.registry.BindUser(target, "bob", 5))
	target.bindIdentity("bob", "", "")

	env.gw.handleMessage(caller, inFrame(t, OpCallInvite, SignalPayload{
		TargetUserID: "bob",
		Data:         json.RawMessage(`{"sdp":"offer"}`),
	}))

	frame := nextFrame(t, target)
	require.Equal(t, OpDispatch, frame.Op)
	assert.Equal(t, EventCallInvite, frame.T)
	var sp SignalPayload
	decodePayload(t, frame, &sp)
	assert.Equal(t, "alice", sp.FromUserID)
	assert.Equal(t, "bob", sp.TargetUserID)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(sp.Data))
}

func TestRateLimitClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()
	env.authenticate(t, c)
	drain(c)

	c.limiter = newSlidingWindow(1, time.Minute)

	env.gw.handleMessage(c, inFrame(t, OpHeartbeat, nil))
	env.gw.handleMessage(c, inFrame(t, OpHeartbeat, nil))

	assert.Equal(t, CloseRateLimited, sock.CloseCode())
	assert.True(t, c.isClosed())
}

func TestDisconnectRunsCleanupOnce(t *testing.T) {
	env := newTestEnv(t)
	env.authz.allowed["general"] = true
	c, _ := env.newTestConn()
	env.authenticate(t, c)
	env.gw.handleMessage(c, inFrame(t, OpSubscribe, SubscribePayload{ChannelIDs: []string{"general"}}))

	env.gw.disconnect(c, CloseServerShutdown, "test")
	env.gw.disconnect(c, CloseServerShutdown, "test")

	assert.Equal(t, []string{"alice"}, env.presence.disconnected)
	assert.Equal(t, []voiceCall{{action: "cleanup", userID: "alice"}}, env.voice.calls)
	assert.Equal(t, []string{"general"}, env.topics.released)
	assert.Zero(t, env.gw.registry.Count())
}

func TestSweepHeartbeatsClosesSilentConnections(t *testing.T) {
	env := newTestEnv(t)
	c, sock := env.newTestConn()
	env.authenticate(t, c)

	for i := 0; i <= env.gw.cfg.MaxMissedHeartbeats; i++ {
		env.gw.sweepHeartbeats()
	}

	assert.Equal(t, CloseHeartbeatTimeout, sock.CloseCode())
	assert.True(t, c.isClosed())
}

func drain(c *Connection) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}
