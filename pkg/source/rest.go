package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinyland-inc/dmrelay/pkg/identity"
)

// RestClient talks to the source network's private mobile API. REST calls go
// through resty with the persisted device fingerprint in the headers; the
// realtime stream lives in realtime.go.
type RestClient struct {
	http      *resty.Client
	device    *identity.DeviceFingerprint
	streamURL string
	proxy     string
	log       zerolog.Logger

	mu       sync.Mutex
	token    string
	username string
	cookies  map[string]string

	conn      *websocket.Conn
	handlers  Handlers
	stopCh    chan struct{}
	connected bool
	connMu    sync.Mutex
}

var _ Client = (*RestClient)(nil)

func NewRestClient(apiBase, streamURL, proxy string, device *identity.DeviceFingerprint, log zerolog.Logger) *RestClient {
	c := &RestClient{
		device:    device,
		streamURL: streamURL,
		proxy:     proxy,
		cookies:   make(map[string]string),
		log:       log.With().Str("component", "source").Logger(),
	}

	c.http = resty.New().
		SetBaseURL(apiBase).
		SetTimeout(30 * time.Second).
		SetHeader("User-Agent", device.UserAgent()).
		SetHeader("X-Device-ID", device.DeviceID).
		SetHeader("X-Phone-ID", device.PhoneID)
	if proxy != "" {
		c.http.SetProxy(proxy)
	}

	// Fold response cookies into the session state and keep sending them.
	c.http.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		c.mu.Lock()
		for _, ck := range resp.Cookies() {
			c.cookies[ck.Name] = ck.Value
		}
		if tok := resp.Header().Get("X-Auth-Token"); tok != "" {
			c.token = tok
		}
		c.mu.Unlock()
		return nil
	})
	c.http.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		c.mu.Lock()
		for name, value := range c.cookies {
			req.SetCookie(&http.Cookie{Name: name, Value: value})
		}
		if c.token != "" {
			req.SetHeader("Authorization", "Bearer "+c.token)
		}
		c.mu.Unlock()
		return nil
	})

	return c
}

type loginResponse struct {
	Status            string `json:"status"`
	Message           string `json:"message"`
	LoggedInUser      *User  `json:"logged_in_user"`
	TwoFactorRequired bool   `json:"two_factor_required"`
	TwoFactorInfo     *struct {
		Identifier string `json:"two_factor_identifier"`
		SMS        bool   `json:"sms_two_factor_on"`
		TOTP       bool   `json:"totp_two_factor_on"`
	} `json:"two_factor_info"`
	Challenge *struct {
		Kind string `json:"challenge_type"`
		Path string `json:"api_path"`
	} `json:"challenge"`
}

func (c *RestClient) Login(ctx context.Context, username, password string) (*LoginOutcome, error) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":  username,
			"password":  password,
			"device_id": c.device.DeviceID,
			"guid":      c.device.InstallationID,
			"phone_id":  c.device.PhoneID,
			"adid":      c.device.AdvertisingID,
		}).
		Post("/accounts/login/")
	if err != nil {
		return &LoginOutcome{Status: LoginTransientFailure, Cause: err}, nil
	}
	return c.parseLoginResponse(resp)
}

func (c *RestClient) TwoFactorLogin(ctx context.Context, identifier, code string) (*LoginOutcome, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"username":              c.currentUsername(),
			"two_factor_identifier": identifier,
			"verification_code":     code,
			"device_id":             c.device.DeviceID,
		}).
		Post("/accounts/two_factor_login/")
	if err != nil {
		return &LoginOutcome{Status: LoginTransientFailure, Cause: err}, nil
	}
	return c.parseLoginResponse(resp)
}

func (c *RestClient) parseLoginResponse(resp *resty.Response) (*LoginOutcome, error) {
	if resp.StatusCode() >= 500 {
		return &LoginOutcome{
			Status: LoginTransientFailure,
			Cause:  fmt.Errorf("server error %d", resp.StatusCode()),
		}, nil
	}

	var body loginResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return &LoginOutcome{Status: LoginTransientFailure, Cause: err}, nil
	}

	switch {
	case body.Status == "ok" && body.LoggedInUser != nil:
		return &LoginOutcome{Status: LoginSuccess}, nil
	case body.TwoFactorRequired && body.TwoFactorInfo != nil:
		var methods []string
		if body.TwoFactorInfo.TOTP {
			methods = append(methods, "totp")
		}
		if body.TwoFactorInfo.SMS {
			methods = append(methods, "sms")
		}
		return &LoginOutcome{
			Status:           LoginTwoFactorRequired,
			TwoFactorID:      body.TwoFactorInfo.Identifier,
			TwoFactorMethods: methods,
		}, nil
	case body.Message == "challenge_required" && body.Challenge != nil:
		return &LoginOutcome{Status: LoginChallengeRequired, ChallengeKind: body.Challenge.Kind}, nil
	case body.Message == "bad_password" || body.Message == "invalid_user":
		return &LoginOutcome{Status: LoginInvalidCredentials}, nil
	default:
		return &LoginOutcome{
			Status: LoginTransientFailure,
			Cause:  fmt.Errorf("unexpected login response %d: %s", resp.StatusCode(), body.Message),
		}, nil
	}
}

func (c *RestClient) ResolveChallenge(ctx context.Context, kind string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"challenge_type": kind, "choice": "0"}).
		Post("/challenge/resolve/")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("challenge resolution rejected: %d", resp.StatusCode())
	}
	return nil
}

func (c *RestClient) CurrentUser(ctx context.Context) (*User, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/accounts/current_user/")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return nil, ErrSessionExpired
	}
	var body struct {
		User *User `json:"user"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.User == nil {
		return nil, fmt.Errorf("malformed current_user response: %w", err)
	}
	return body.User, nil
}

// sessionBlob is the opaque serialized form handed to the identity store.
type sessionBlob struct {
	Username string            `json:"username"`
	Token    string            `json:"token"`
	Cookies  map[string]string `json:"cookies"`
	DeviceID string            `json:"device_id"`
}

func (c *RestClient) ExportSession() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == "" && len(c.cookies) == 0 {
		return nil, errors.New("source: no session to export")
	}
	return json.Marshal(sessionBlob{
		Username: c.username,
		Token:    c.token,
		Cookies:  c.cookies,
		DeviceID: c.device.DeviceID,
	})
}

func (c *RestClient) RestoreSession(blob []byte) error {
	var s sessionBlob
	if err := json.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("source: unreadable session blob: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = s.Username
	c.token = s.Token
	c.cookies = s.Cookies
	if c.cookies == nil {
		c.cookies = make(map[string]string)
	}
	return nil
}

// ImportCookies loads a plain cookie-jar export: either a name→value map or
// a list of {name, value} objects.
func (c *RestClient) ImportCookies(blob []byte) error {
	jar := make(map[string]string)
	if err := json.Unmarshal(blob, &jar); err != nil {
		var list []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(blob, &list); err != nil {
			return fmt.Errorf("source: unreadable cookie jar: %w", err)
		}
		for _, ck := range list {
			jar[ck.Name] = ck.Value
		}
	}
	if len(jar) == 0 {
		return errors.New("source: cookie jar is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookies = jar
	c.token = ""
	return nil
}

func (c *RestClient) SendText(ctx context.Context, threadID, text string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"text":           text,
			"client_context": uuid.New().String(),
		}).
		Post("/direct_v2/threads/" + threadID + "/items/")
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return ErrSessionExpired
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("send to thread %s failed: %d", threadID, resp.StatusCode())
	}
	return nil
}

func (c *RestClient) SetPresence(ctx context.Context, foreground bool) error {
	state := "background"
	if foreground {
		state = "foreground"
	}
	_, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"state": state}).
		Post("/presence/set/")
	return err
}

func (c *RestClient) UserInfo(ctx context.Context, userID string) (*User, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/users/" + userID + "/info/")
	if err != nil {
		return nil, err
	}
	var body struct {
		User *User `json:"user"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.User == nil {
		return nil, fmt.Errorf("malformed user info for %s", userID)
	}
	return body.User, nil
}

func (c *RestClient) ThreadInfo(ctx context.Context, threadID string) ([]ThreadParticipant, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/direct_v2/threads/" + threadID + "/")
	if err != nil {
		return nil, err
	}
	var body struct {
		Thread struct {
			Participants []ThreadParticipant `json:"participants"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("malformed thread info for %s: %w", threadID, err)
	}
	return body.Thread.Participants, nil
}

func (c *RestClient) InboxSnapshot(ctx context.Context) ([]Event, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", "20").
		Get("/direct_v2/inbox/")
	if err != nil {
		return nil, err
	}
	var body struct {
		Inbox struct {
			Threads []struct {
				ThreadID     string              `json:"thread_id"`
				Participants []ThreadParticipant `json:"participants"`
				Items        []Event             `json:"items"`
			} `json:"threads"`
		} `json:"inbox"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("malformed inbox snapshot: %w", err)
	}
	var events []Event
	for _, th := range body.Inbox.Threads {
		for _, item := range th.Items {
			item.ThreadID = th.ThreadID
			item.Participants = th.Participants
			events = append(events, item)
		}
	}
	return events, nil
}

func (c *RestClient) currentUsername() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}
