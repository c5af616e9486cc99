package source

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionExpired marks a rejected session artifact or auth token.
	// The connection controller reacts by re-running the login engine.
	ErrSessionExpired = errors.New("source: session expired")
	// ErrNotConnected is returned by realtime operations before Connect.
	ErrNotConnected = errors.New("source: not connected")
)

// LoginStatus tags the result of an authentication attempt.
type LoginStatus int

const (
	LoginSuccess LoginStatus = iota
	LoginChallengeRequired
	LoginTwoFactorRequired
	LoginInvalidCredentials
	LoginTransientFailure
)

func (s LoginStatus) String() string {
	switch s {
	case LoginSuccess:
		return "success"
	case LoginChallengeRequired:
		return "challenge_required"
	case LoginTwoFactorRequired:
		return "two_factor_required"
	case LoginInvalidCredentials:
		return "invalid_credentials"
	default:
		return "transient_failure"
	}
}

// LoginOutcome carries the status plus whatever the server handed back for
// the follow-up step (challenge kind, two-factor identifier and methods).
type LoginOutcome struct {
	Status           LoginStatus
	ChallengeKind    string
	TwoFactorID      string
	TwoFactorMethods []string
	Cause            error
}

// User is the minimal identity the relay needs about a source-network user.
type User struct {
	ID       string `json:"pk"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

// ThreadParticipant is per-thread user metadata attached to realtime events.
type ThreadParticipant struct {
	ID       string `json:"pk"`
	Username string `json:"username"`
}

// Event is a raw inbound realtime payload before normalization.
type Event struct {
	MessageID    string              `json:"item_id"`
	SenderID     string              `json:"sender_id"`
	ThreadID     string              `json:"thread_id"`
	Kind         string              `json:"item_type"`
	Text         string              `json:"text,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	Participants []ThreadParticipant `json:"participants,omitempty"`
	VoiceURL     string              `json:"voice_url,omitempty"`
	VoiceSecs    int                 `json:"voice_secs,omitempty"`
	MediaURL     string              `json:"media_url,omitempty"`
	Caption      string              `json:"caption,omitempty"`
}

// Handlers is the callback table registered with Connect. All callbacks are
// invoked from the client's single read loop, so same-kind callbacks never
// run concurrently with each other.
type Handlers struct {
	OnConnect func()
	OnMessage func(Event)
	OnReceive func([]byte)
	OnError   func(error)
	OnClose   func(error)
}

// Client is the narrow surface of the source network the relay depends on.
// The REST/realtime implementation in this package satisfies it; tests
// substitute fakes.
type Client interface {
	Login(ctx context.Context, username, password string) (*LoginOutcome, error)
	TwoFactorLogin(ctx context.Context, identifier, code string) (*LoginOutcome, error)
	ResolveChallenge(ctx context.Context, kind string) error
	CurrentUser(ctx context.Context) (*User, error)

	ExportSession() ([]byte, error)
	RestoreSession(blob []byte) error
	ImportCookies(blob []byte) error

	Connect(ctx context.Context, h Handlers) error
	Disconnect(ctx context.Context) error
	InboxSnapshot(ctx context.Context) ([]Event, error)

	SendText(ctx context.Context, threadID, text string) error
	SetPresence(ctx context.Context, foreground bool) error
	UserInfo(ctx context.Context, userID string) (*User, error)
	ThreadInfo(ctx context.Context, threadID string) ([]ThreadParticipant, error)
}
