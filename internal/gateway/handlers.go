package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// handleMessage is the single entry point for inbound frames. The rate limit
// is charged before parsing so malformed floods are billed too.
func (g *Gateway) handleMessage(c *Connection, raw []byte) {
	g.metrics.MessagesIn.Inc()

	if !c.limiter.Allow(time.Now()) {
		c.sendError(ErrCodeRateLimited, "message rate limit exceeded", nil)
		g.disconnect(c, CloseRateLimited, "message rate limit exceeded")
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.disconnect(c, CloseInvalidPayload, "malformed frame")
		return
	}

	if !c.Authenticated() && frame.Op != OpAuth && frame.Op != OpHeartbeat {
		g.disconnect(c, CloseNotAuthenticated, "not authenticated")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch frame.Op {
	case OpAuth:
		g.handleAuth(ctx, c, frame.D)
	case OpHeartbeat:
		g.handleHeartbeat(ctx, c)
	case OpSubscribe:
		g.handleSubscribe(ctx, c, frame.D)
	case OpUnsubscribe:
		g.handleUnsubscribe(c, frame.D)
	case OpTypingStart:
		g.handleTyping(c, frame.D)
	case OpVoiceStateUpdate:
		g.handleVoice(ctx, c, frame.D)
	case OpCallInvite, OpCallAccept, OpCallDecline, OpCallEnd:
		g.handleSignal(c, frame.Op, frame.D)
	default:
		g.disconnect(c, CloseInvalidPayload, "unknown opcode")
	}
}

func (g *Gateway) handleAuth(ctx context.Context, c *Connection, d json.RawMessage) {
	if c.Authenticated() {
		c.sendError(ErrCodeAlreadyAuthenticated, "connection is already authenticated", nil)
		return
	}

	var payload AuthPayload
	if err := json.Unmarshal(d, &payload); err != nil || payload.Token == "" {
		c.sendFrame(OpAuthFail, AuthFailPayload{Message: "missing token"})
		g.disconnect(c, CloseAuthFailed, "missing token")
		return
	}

	identity, err := g.verifier.Verify(ctx, payload.Token)
	if err != nil {
		g.log.Warn("Authentication failed", "clientID", c.id, "error", err)
		c.sendFrame(OpAuthFail, AuthFailPayload{Message: "invalid token"})
		g.disconnect(c, CloseAuthFailed, "invalid token")
		return
	}

	// Identity goes on the connection before the user-index insert so a
	// teardown racing this handler can always clean the index by userID.
	c.setIdentity(identity.UserID, identity.DeviceID, identity.SessionID)

	if err := g.registry.BindUser(c, identity.UserID, g.cfg.MaxConnectionsPerUser); err != nil {
		if errors.Is(err, ErrConnectionLimit) {
			g.log.Warn("Connection limit reached", "userID", identity.UserID)
			c.sendFrame(OpAuthFail, AuthFailPayload{Message: "too many connections"})
			g.disconnect(c, CloseConnectionLimit, "too many connections")
			return
		}
		if errors.Is(err, ErrClientDisconnected) {
			g.log.Debug("Connection closed during token verification", "clientID", c.id)
			return
		}
		c.sendFrame(OpAuthFail, AuthFailPayload{Message: "internal error"})
		g.disconnect(c, CloseAuthFailed, "bind failed")
		return
	}

	c.markAuthenticated()
	g.sched.Cancel(authTimeoutKey(c.id))

	c.sendFrame(OpAuthOK, AuthOKPayload{
		UserID:    identity.UserID,
		DeviceID:  identity.DeviceID,
		SessionID: identity.SessionID,
	})

	if err := g.presence.Connected(ctx, identity.UserID); err != nil {
		g.log.Error("Failed to mark user online", "userID", identity.UserID, "error", err)
	}

	// A disconnect that slipped in between the bind and the presence write
	// already ran its cleanup; the online mark above may have cancelled its
	// offline grace task, so re-arm it.
	if c.isClosed() {
		g.presence.Disconnected(identity.UserID)
		return
	}

	g.log.Info("Client authenticated", "clientID", c.id, "userID", identity.UserID)
}

func (g *Gateway) handleHeartbeat(ctx context.Context, c *Connection) {
	c.touchHeartbeat()
	c.sendFrame(OpHeartbeatAck, nil)

	if !c.Authenticated() {
		return
	}
	userID := c.UserID()
	if err := g.presence.Refresh(ctx, userID); err != nil {
		g.log.Error("Failed to refresh presence", "userID", userID, "error", err)
	}
	if err := g.voice.Refresh(ctx, userID); err != nil {
		g.log.Error("Failed to refresh voice state", "userID", userID, "error", err)
	}
}

// handleSubscribe validates the whole batch before touching any state. One
// bad id rejects the request; a denied id only withholds that channel.
func (g *Gateway) handleSubscribe(ctx context.Context, c *Connection, d json.RawMessage) {
	var payload SubscribePayload
	if err := json.Unmarshal(d, &payload); err != nil {
		c.sendError(ErrCodeInvalidRequest, "malformed subscribe payload", nil)
		return
	}
	if len(payload.ChannelIDs) == 0 || len(payload.ChannelIDs) > maxSubscribeBatch {
		c.sendError(ErrCodeInvalidRequest, "channel_ids must contain between 1 and 200 entries", nil)
		return
	}
	for _, channelID := range payload.ChannelIDs {
		if !validChannelID(channelID) {
			c.sendError(ErrCodeInvalidRequest, "invalid channel id", nil)
			return
		}
	}

	authorized, denied := g.authz.Partition(ctx, c.UserID(), payload.ChannelIDs)

	// The oracle round-trip may have outlived the connection.
	if c.isClosed() {
		return
	}

	for _, channelID := range authorized {
		// Connection-side set first: a Remove racing the index insert cleans
		// by iterating this set.
		c.addChannel(channelID)
		if g.registry.Subscribe(c, channelID) {
			g.topics.EnsureTopic(channelID)
		}
	}

	if len(denied) > 0 {
		c.sendError(ErrCodeSubscriptionDenied, "some channels were denied", denied)
	}
}

func (g *Gateway) handleUnsubscribe(c *Connection, d json.RawMessage) {
	var payload SubscribePayload
	if err := json.Unmarshal(d, &payload); err != nil {
		c.sendError(ErrCodeInvalidRequest, "malformed unsubscribe payload", nil)
		return
	}

	for _, channelID := range payload.ChannelIDs {
		if !c.inChannel(channelID) {
			continue
		}
		c.removeChannel(channelID)
		if g.registry.Unsubscribe(c, channelID) {
			g.topics.ReleaseTopic(channelID)
		}
	}
}

func (g *Gateway) handleTyping(c *Connection, d json.RawMessage) {
	var payload TypingPayload
	if err := json.Unmarshal(d, &payload); err != nil || payload.ChannelID == "" {
		c.sendError(ErrCodeInvalidRequest, "malformed typing payload", nil)
		return
	}
	if !c.inChannel(payload.ChannelID) {
		c.sendError(ErrCodeNotSubscribed, "not subscribed to channel", nil)
		return
	}

	payload.UserID = c.UserID()
	frame, err := newDispatch(EventTypingStart, payload)
	if err != nil {
		g.log.Error("Failed to marshal typing event", "error", err)
		return
	}
	g.broadcastToChannel(payload.ChannelID, frame, c.id)
}

func (g *Gateway) handleVoice(ctx context.Context, c *Connection, d json.RawMessage) {
	var payload VoiceStatePayload
	if err := json.Unmarshal(d, &payload); err != nil || payload.ChannelID == "" {
		c.sendError(ErrCodeInvalidRequest, "malformed voice payload", nil)
		return
	}
	if !c.inChannel(payload.ChannelID) {
		c.sendError(ErrCodeNotSubscribed, "not subscribed to channel", nil)
		return
	}

	userID := c.UserID()
	var err error
	switch payload.Action {
	case "join":
		err = g.voice.Join(ctx, payload.ChannelID, userID, payload.Handle, payload.SelfMute, payload.SelfDeaf, c.id)
	case "leave":
		err = g.voice.Leave(ctx, payload.ChannelID, userID)
	case "update":
		err = g.voice.Update(ctx, payload.ChannelID, userID, payload.SelfMute, payload.SelfDeaf)
	default:
		c.sendError(ErrCodeInvalidRequest, "unknown voice action", nil)
		return
	}

	if err != nil {
		g.log.Warn("Voice state change failed",
			"userID", userID, "channelID", payload.ChannelID, "action", payload.Action, "error", err)
		c.sendError(ErrCodeVoiceState, err.Error(), nil)
	}
}

var signalEvents = map[int]string{
	OpCallInvite:  EventCallInvite,
	OpCallAccept:  EventCallAccept,
	OpCallDecline: EventCallDecline,
	OpCallEnd:     EventCallEnd,
}

// handleSignal relays a call control frame to every connection of the target
// user. An offline target is not an error; the caller learns via timeout.
func (g *Gateway) handleSignal(c *Connection, op int, d json.RawMessage) {
	var payload SignalPayload
	if err := json.Unmarshal(d, &payload); err != nil || payload.TargetUserID == "" {
		c.sendError(ErrCodeInvalidRequest, "malformed signal payload", nil)
		return
	}

	payload.FromUserID = c.UserID()
	frame, err := newDispatch(signalEvents[op], payload)
	if err != nil {
		g.log.Error("Failed to marshal signal event", "error", err)
		return
	}

	if sent := g.sendToUser(payload.TargetUserID, frame); sent == 0 {
		g.log.Debug("Signal target has no live connections",
			"from", payload.FromUserID, "target", payload.TargetUserID)
	}
}
