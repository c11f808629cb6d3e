package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeSocket satisfies wsConn without a network, recording writes and close
// frames for assertions. With a readCh it blocks in ReadMessage until fed or
// closed, so connection pumps can run against it.
type fakeSocket struct {
	readCh chan []byte
	done   chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	closed    bool
}

func newBlockingSocket() *fakeSocket {
	return &fakeSocket{
		readCh: make(chan []byte),
		done:   make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	if f.readCh == nil {
		return 0, nil, errors.New("fakeSocket has no reader")
	}
	select {
	case msg := <-f.readCh:
		return 1, msg, nil
	case <-f.done:
		return 0, nil, errors.New("socket closed")
	}
}

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.TextMessage {
		f.written = append(f.written, data)
	}
	return nil
}

func (f *fakeSocket) WriteControl(_ int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) >= 2 {
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
	}
	return nil
}

func (f *fakeSocket) SetReadLimit(int64)                {}
func (f *fakeSocket) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeSocket) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeSocket) SetPongHandler(func(string) error) {}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		if f.done != nil {
			close(f.done)
		}
	}
	return nil
}

func (f *fakeSocket) CloseCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

func (f *fakeSocket) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := make([][]byte, len(f.written))
	copy(frames, f.written)
	return frames
}

type fakeVerifier struct {
	identities map[string]auth.Identity
	onVerify   func()
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if v.onVerify != nil {
		v.onVerify()
	}
	id, ok := v.identities[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type fakeAuthz struct {
	allowed     map[string]bool
	onPartition func()
}

func (a *fakeAuthz) Partition(_ context.Context, _ string, channelIDs []string) (authorized, denied []string) {
	if a.onPartition != nil {
		a.onPartition()
	}
	for _, id := range channelIDs {
		if a.allowed[id] {
			authorized = append(authorized, id)
		} else {
			denied = append(denied, id)
		}
	}
	return authorized, denied
}

type fakePresence struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	refreshed    []string
}

func (p *fakePresence) Connected(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = append(p.connected, userID)
	return nil
}

func (p *fakePresence) Disconnected(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, userID)
}

func (p *fakePresence) Refresh(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed = append(p.refreshed, userID)
	return nil
}

type voiceCall struct {
	action    string
	channelID string
	userID    string
}

type fakeVoice struct {
	mu      sync.Mutex
	calls   []voiceCall
	joinErr error
}

func (v *fakeVoice) record(action, channelID, userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, voiceCall{action: action, channelID: channelID, userID: userID})
}

func (v *fakeVoice) Join(_ context.Context, channelID, userID, _ string, _, _ bool, _ string) error {
	v.record("join", channelID, userID)
	return v.joinErr
}

func (v *fakeVoice) Leave(_ context.Context, channelID, userID string) error {
	v.record("leave", channelID, userID)
	return nil
}

func (v *fakeVoice) Update(_ context.Context, channelID, userID string, _, _ bool) error {
	v.record("update", channelID, userID)
	return nil
}

func (v *fakeVoice) CleanupDisconnect(_ context.Context, userID string, _ []string) error {
	v.record("cleanup", "", userID)
	return nil
}

func (v *fakeVoice) Refresh(_ context.Context, userID string) error {
	v.record("refresh", "", userID)
	return nil
}

type fakeTopics struct {
	mu       sync.Mutex
	ensured  []string
	released []string
}

func (t *fakeTopics) EnsureTopic(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensured = append(t.ensured, channelID)
}

func (t *fakeTopics) ReleaseTopic(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = append(t.released, channelID)
}

type testEnv struct {
	gw       *Gateway
	verifier *fakeVerifier
	authz    *fakeAuthz
	presence *fakePresence
	voice    *fakeVoice
	topics   *fakeTopics
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		AuthTimeout:           time.Second,
		MaxConnectionsPerUser: 2,
		HeartbeatInterval:     30 * time.Second,
		MaxMissedHeartbeats:   2,
		RateLimitMax:          100,
		RateLimitWindow:       10 * time.Second,
		ConnRatePerIP:         100,
		ConnBurstPerIP:        100,
		PresenceTTL:           time.Minute,
		PresenceOfflineGrace:  10 * time.Millisecond,
		VoiceTTL:              time.Minute,
		VoiceRejoinGrace:      10 * time.Millisecond,
		EventTopicPrefix:      "events:channel:",
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		verifier: &fakeVerifier{identities: map[string]auth.Identity{
			"token-alice": {UserID: "alice", DeviceID: "dev1", SessionID: "sess1"},
		}},
		authz:    &fakeAuthz{allowed: map[string]bool{}},
		presence: &fakePresence{},
		voice:    &fakeVoice{},
		topics:   &fakeTopics{},
	}

	env.gw = New(Options{
		Config:   testGatewayConfig(),
		Logger:   slog.Default(),
		Verifier: env.verifier,
		Authz:    env.authz,
		Presence: env.presence,
		Voice:    env.voice,
		Topics:   env.topics,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
	})
	t.Cleanup(func() { env.gw.sched.Stop() })
	return env
}

// newTestConn registers a connection without starting pumps; frames queue on
// the send channel and are drained by nextFrame.
func (e *testEnv) newTestConn() (*Connection, *fakeSocket) {
	sock := &fakeSocket{}
	c := newConnection(e.gw, sock)
	e.gw.registry.Add(c)
	return c, sock
}

func (e *testEnv) authenticate(t *testing.T, c *Connection) {
	t.Helper()
	e.gw.handleMessage(c, inFrame(t, OpAuth, AuthPayload{Token: "token-alice"}))
	frame := nextFrame(t, c)
	require.Equal(t, OpAuthOK, frame.Op)
}

func inFrame(t *testing.T, op int, d interface{}) []byte {
	t.Helper()
	var raw json.RawMessage
	if d != nil {
		b, err := json.Marshal(d)
		require.NoError(t, err)
		raw = b
	}
	b, err := json.Marshal(Frame{Op: op, D: raw, TS: time.Now().UnixMilli()})
	require.NoError(t, err)
	return b
}

type outFrame struct {
	Op int             `json:"op"`
	T  string          `json:"t"`
	D  json.RawMessage `json:"d"`
}

func nextFrame(t *testing.T, c *Connection) outFrame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f outFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return outFrame{}
	}
}

func decodePayload(t *testing.T, f outFrame, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(f.D, into))
}

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}
