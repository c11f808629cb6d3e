package gateway

import (
	"encoding/json"
	"time"
)

// Opcodes of the wire protocol. Frames are JSON objects
// {op:int, d:object, ts:int64}; server-push data events additionally carry
// an event name in "t".
const (
	OpHello            = 0  // server → client
	OpAuth             = 1  // client → server
	OpAuthOK           = 2  // server → client
	OpAuthFail         = 3  // server → client
	OpHeartbeat        = 4  // client → server
	OpHeartbeatAck     = 5  // server → client
	OpSubscribe        = 6  // client → server
	OpUnsubscribe      = 7  // client → server
	OpTypingStart      = 8  // client → server
	OpVoiceStateUpdate = 9  // client → server
	OpCallInvite       = 10 // client → server
	OpCallAccept       = 11 // client → server
	OpCallDecline      = 12 // client → server
	OpCallEnd          = 13 // client → server
	OpError            = 14 // server → client
	OpDispatch         = 15 // server → client
)

// WebSocket close codes in the application range.
const (
	CloseAuthFailed       = 4001
	CloseAuthTimeout      = 4002
	CloseInvalidPayload   = 4003
	CloseNotAuthenticated = 4004
	CloseConnectionLimit  = 4005
	CloseHeartbeatTimeout = 4006
	CloseRateLimited      = 4008
	CloseServerShutdown   = 4010
)

// Server-push event names carried in the "t" field of DISPATCH frames.
const (
	EventMessageCreated   = "MESSAGE_CREATED"
	EventMessageUpdated   = "MESSAGE_UPDATED"
	EventMessageDeleted   = "MESSAGE_DELETED"
	EventMessagePinned    = "MESSAGE_PINNED"
	EventChannelCreated   = "CHANNEL_CREATED"
	EventChannelUpdated   = "CHANNEL_UPDATED"
	EventChannelDeleted   = "CHANNEL_DELETED"
	EventPresenceUpdated  = "PRESENCE_UPDATED"
	EventTypingStart      = "TYPING_START"
	EventVoiceStateUpdate = "VOICE_STATE_UPDATE"
	EventCallInvite       = "CALL_INVITE"
	EventCallAccept       = "CALL_ACCEPT"
	EventCallDecline      = "CALL_DECLINE"
	EventCallEnd          = "CALL_END"
)

// Error codes carried in ERROR frames that do not close the connection.
const (
	ErrCodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeNotSubscribed        = "NOT_SUBSCRIBED"
	ErrCodeSubscriptionDenied   = "SUBSCRIPTION_DENIED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeVoiceState           = "VOICE_STATE"
)

// Frame is an inbound protocol message.
type Frame struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	TS int64           `json:"ts"`
}

// OutFrame is an outbound protocol message. T is set on DISPATCH frames only.
type OutFrame struct {
	Op int         `json:"op"`
	T  string      `json:"t,omitempty"`
	D  interface{} `json:"d,omitempty"`
	TS int64       `json:"ts"`
}

func newFrame(op int, d interface{}) ([]byte, error) {
	return json.Marshal(OutFrame{Op: op, D: d, TS: time.Now().UnixMilli()})
}

func newDispatch(event string, d interface{}) ([]byte, error) {
	return json.Marshal(OutFrame{Op: OpDispatch, T: event, D: d, TS: time.Now().UnixMilli()})
}

type HelloPayload struct {
	ConnectionID      string `json:"connection_id"`
	HeartbeatInterval int64  `json:"heartbeat_interval"` // milliseconds
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthOKPayload struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type AuthFailPayload struct {
	Message string `json:"message"`
}

type SubscribePayload struct {
	ChannelIDs []string `json:"channel_ids"`
}

type TypingPayload struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
}

type VoiceStatePayload struct {
	Action    string `json:"action"` // "join", "leave" or "update"
	ChannelID string `json:"channel_id"`
	Handle    string `json:"handle,omitempty"`
	SelfMute  bool   `json:"self_mute"`
	SelfDeaf  bool   `json:"self_deaf"`
}

type SignalPayload struct {
	TargetUserID string          `json:"target_user_id"`
	FromUserID   string          `json:"from_user_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

type ErrorPayload struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Denied  []string `json:"denied,omitempty"`
}

const (
	maxSubscribeBatch  = 200
	maxChannelIDLength = 64
)

// validChannelID accepts the identifier alphabet used across the platform.
func validChannelID(id string) bool {
	if id == "" || len(id) > maxChannelIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
