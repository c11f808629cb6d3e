package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/scheduler"
	"chat-gateway/internal/voice"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Authorizer partitions requested channel ids into authorized/denied sets.
type Authorizer interface {
	Partition(ctx context.Context, userID string, channelIDs []string) (authorized, denied []string)
}

// Presence is the gateway's view of the presence manager.
type Presence interface {
	Connected(ctx context.Context, userID string) error
	Disconnected(userID string)
	Refresh(ctx context.Context, userID string) error
}

// VoiceController is the gateway's view of the voice state manager.
type VoiceController interface {
	Join(ctx context.Context, channelID, userID, handle string, selfMute, selfDeaf bool, excludeConnID string) error
	Leave(ctx context.Context, channelID, userID string) error
	Update(ctx context.Context, channelID, userID string, selfMute, selfDeaf bool) error
	CleanupDisconnect(ctx context.Context, userID string, subscribed []string) error
	Refresh(ctx context.Context, userID string) error
}

// TopicManager follows the registry's channel index: a topic is held on the
// broker exactly while the index for that channel is non-empty.
type TopicManager interface {
	EnsureTopic(channelID string)
	ReleaseTopic(channelID string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin allow-listing is handled by the fronting proxy.
		return true
	},
}

// Gateway owns connection lifecycle, opcode dispatch and fan-out.
type Gateway struct {
	cfg      config.GatewayConfig
	log      *slog.Logger
	registry *Registry
	verifier auth.Verifier
	authz    Authorizer
	presence Presence
	voice    VoiceController
	topics   TopicManager
	sched    *scheduler.Scheduler
	metrics  *Metrics

	ipLimiters sync.Map // ip → *rate.Limiter

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type Options struct {
	Config   config.GatewayConfig
	Logger   *slog.Logger
	Verifier auth.Verifier
	Authz    Authorizer
	Presence Presence
	Voice    VoiceController
	Topics   TopicManager
	Sched    *scheduler.Scheduler
	Metrics  *Metrics
}

func New(opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sched == nil {
		opts.Sched = scheduler.New(opts.Logger)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Gateway{
		cfg:      opts.Config,
		log:      opts.Logger,
		registry: NewRegistry(),
		verifier: opts.Verifier,
		authz:    opts.Authz,
		presence: opts.Presence,
		voice:    opts.Voice,
		topics:   opts.Topics,
		sched:    opts.Sched,
		metrics:  opts.Metrics,
		stop:     make(chan struct{}),
	}
}

// Registry exposes the connection indexes to the fan-out bridge.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Bind attaches the collaborators that themselves need the gateway (the voice
// manager broadcasts through it, the bridge reads its registry). Must be
// called before serving traffic.
func (g *Gateway) Bind(p Presence, v VoiceController, t TopicManager) {
	g.presence = p
	g.voice = v
	g.topics = t
}

func (g *Gateway) ipLimiter(ip string) *rate.Limiter {
	if l, ok := g.ipLimiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	// Racing misses allocate a spare limiter; LoadOrStore keeps the winner's.
	l, _ := g.ipLimiters.LoadOrStore(ip, rate.NewLimiter(rate.Limit(g.cfg.ConnRatePerIP), g.cfg.ConnBurstPerIP))
	return l.(*rate.Limiter)
}

// HandleWS upgrades the HTTP request and starts the connection lifecycle.
func (g *Gateway) HandleWS(c *gin.Context) {
	if !g.ipLimiter(c.ClientIP()).Allow() {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "connection rate limit exceeded"})
		return
	}

	wsc, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}

	g.Accept(wsc)
}

// Accept wires a raw socket into the gateway: registry entry, HELLO frame,
// auth deadline, pumps.
func (g *Gateway) Accept(wsc wsConn) *Connection {
	conn := newConnection(g, wsc)
	g.registry.Add(conn)
	g.metrics.Connections.Inc()

	g.log.Info("Connection accepted", "clientID", conn.id)

	conn.sendFrame(OpHello, HelloPayload{
		ConnectionID:      conn.id,
		HeartbeatInterval: g.cfg.HeartbeatInterval.Milliseconds(),
	})

	// One-shot auth deadline, cancelled by a successful AUTH.
	g.sched.Schedule(authTimeoutKey(conn.id), g.cfg.AuthTimeout, func() {
		if conn.Authenticated() || conn.isClosed() {
			return
		}
		conn.sendFrame(OpAuthFail, AuthFailPayload{Message: "authentication timed out"})
		g.disconnect(conn, CloseAuthTimeout, "authentication timed out")
	})

	go conn.writePump()
	go conn.readPump()
	return conn
}

func authTimeoutKey(connID string) string {
	return "auth-timeout:" + connID
}

// disconnect tears a connection down exactly once. Each cleanup step is
// fallible on its own; a failure is recorded and the remaining steps still
// run, so a voice-cleanup error can never block the presence transition.
func (g *Gateway) disconnect(c *Connection, code int, reason string) {
	if !c.markClosed() {
		return
	}

	if code != 0 {
		c.writeClose(code, reason)
	}
	c.closeSendChannel()
	_ = c.conn.Close()

	userID := c.UserID()
	authenticated := c.Authenticated()
	subscribed := c.Channels()

	emptied := g.registry.Remove(c)
	for _, channelID := range emptied {
		g.topics.ReleaseTopic(channelID)
	}

	g.sched.Cancel(authTimeoutKey(c.id))

	var failures []error
	if authenticated {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.voice.CleanupDisconnect(ctx, userID, subscribed); err != nil {
			failures = append(failures, fmt.Errorf("voice cleanup: %w", err))
		}
		cancel()

		g.presence.Disconnected(userID)
	}

	g.metrics.Connections.Dec()
	g.metrics.Disconnects.WithLabelValues(closeReasonLabel(code)).Inc()

	if len(failures) > 0 {
		g.log.Warn("Connection closed with cleanup failures",
			"clientID", c.id, "userID", userID, "reason", reason, "error", errors.Join(failures...))
		return
	}
	g.log.Info("Connection closed", "clientID", c.id, "userID", userID, "reason", reason)
}

func closeReasonLabel(code int) string {
	switch code {
	case CloseAuthFailed:
		return "auth_failed"
	case CloseAuthTimeout:
		return "auth_timeout"
	case CloseInvalidPayload:
		return "invalid_payload"
	case CloseNotAuthenticated:
		return "not_authenticated"
	case CloseConnectionLimit:
		return "connection_limit"
	case CloseHeartbeatTimeout:
		return "heartbeat_timeout"
	case CloseRateLimited:
		return "rate_limited"
	case CloseServerShutdown:
		return "shutdown"
	default:
		return "peer_closed"
	}
}

// RunHeartbeatSupervisor sweeps authenticated connections on the heartbeat
// interval, force-closing those that missed too many in a row.
func (g *Gateway) RunHeartbeatSupervisor() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ticker := time.NewTicker(g.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				g.sweepHeartbeats()
			case <-g.stop:
				return
			}
		}
	}()
}

func (g *Gateway) sweepHeartbeats() {
	for _, c := range g.registry.Connections() {
		if !c.Authenticated() || c.isClosed() {
			continue
		}
		if missed := c.missHeartbeat(); missed > g.cfg.MaxMissedHeartbeats {
			g.log.Warn("Heartbeat timeout, closing connection",
				"clientID", c.id, "userID", c.UserID(), "missed", missed)
			g.disconnect(c, CloseHeartbeatTimeout, "heartbeat timed out")
		}
	}
}

// VoiceEvent implements voice.Broadcaster by fanning a roster change out to
// the channel's subscribers.
func (g *Gateway) VoiceEvent(channelID string, ev voice.Event, excludeConnID string) {
	frame, err := newDispatch(EventVoiceStateUpdate, ev)
	if err != nil {
		g.log.Error("Failed to marshal voice event", "channelID", channelID, "error", err)
		return
	}
	g.broadcastToChannel(channelID, frame, excludeConnID)
}

func (g *Gateway) broadcastToChannel(channelID string, frame []byte, excludeConnID string) {
	for _, c := range g.registry.ChannelConnections(channelID) {
		if c.id == excludeConnID {
			continue
		}
		if err := c.Send(frame); err == nil {
			g.metrics.Broadcasts.Inc()
		}
	}
}

func (g *Gateway) sendToUser(userID string, frame []byte) int {
	sent := 0
	for _, c := range g.registry.UserConnections(userID) {
		if err := c.Send(frame); err == nil {
			sent++
		}
	}
	return sent
}

// Shutdown closes every live connection with the shutdown code and stops
// background work. Blocks until done or ctx expires.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.stopOnce.Do(func() {
		close(g.stop)
	})

	for _, c := range g.registry.Connections() {
		g.disconnect(c, CloseServerShutdown, "server shutting down")
	}
	g.sched.Stop()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("Gateway shut down cleanly")
	case <-ctx.Done():
		g.log.Warn("Gateway shutdown timed out", "error", ctx.Err())
	}
}
