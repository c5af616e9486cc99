package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/dmrelay/pkg/identity"
)

func newTestClient(t *testing.T, handler http.Handler) (*RestClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	device := identity.NewDeviceFingerprint("alice")
	client := NewRestClient(server.URL, "ws://unused", "", device, zerolog.Nop())
	return client, server
}

func TestLoginSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/accounts/login/", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "alice", r.Form.Get("username"))
		assert.NotEmpty(t, r.Form.Get("device_id"))

		w.Header().Set("X-Auth-Token", "tok-1")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"logged_in_user": map[string]any{"pk": "1", "username": "alice"},
		})
	}))

	outcome, err := client.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, LoginSuccess, outcome.Status)

	// the auth token from the response header is now part of the session
	blob, err := client.ExportSession()
	require.NoError(t, err)
	var s sessionBlob
	require.NoError(t, json.Unmarshal(blob, &s))
	assert.Equal(t, "tok-1", s.Token)
	assert.Equal(t, "alice", s.Username)
}

func TestLoginTwoFactorRequired(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"two_factor_required": true,
			"two_factor_info": map[string]any{
				"two_factor_identifier": "2fa-9",
				"totp_two_factor_on":    true,
				"sms_two_factor_on":     true,
			},
		})
	}))

	outcome, err := client.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, LoginTwoFactorRequired, outcome.Status)
	assert.Equal(t, "2fa-9", outcome.TwoFactorID)
	assert.Equal(t, []string{"totp", "sms"}, outcome.TwoFactorMethods)
}

func TestLoginChallengeRequired(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":   "challenge_required",
			"challenge": map[string]any{"challenge_type": "checkpoint", "api_path": "/challenge/"},
		})
	}))

	outcome, err := client.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, LoginChallengeRequired, outcome.Status)
	assert.Equal(t, "checkpoint", outcome.ChallengeKind)
}

func TestLoginBadPassword(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "bad_password"})
	}))

	outcome, err := client.Login(context.Background(), "alice", "wrong")
	require.NoError(t, err)
	assert.Equal(t, LoginInvalidCredentials, outcome.Status)
}

func TestLoginServerErrorIsTransient(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	outcome, err := client.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, LoginTransientFailure, outcome.Status)
	assert.Error(t, outcome.Cause)
}

func TestCurrentUserSessionExpired(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	require.NoError(t, client.RestoreSession([]byte(`{"token":"t"}`)))

	_, err := client.CurrentUser(context.Background())
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSendTextSessionExpired(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.SendText(context.Background(), "t1", "hi")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSessionRoundtrip(t *testing.T) {
	device := identity.NewDeviceFingerprint("alice")
	client := NewRestClient("https://api.invalid", "ws://unused", "", device, zerolog.Nop())

	_, err := client.ExportSession()
	assert.Error(t, err, "nothing to export before login")

	blob := []byte(`{"username":"alice","token":"t-1","cookies":{"sid":"s-1"}}`)
	require.NoError(t, client.RestoreSession(blob))

	exported, err := client.ExportSession()
	require.NoError(t, err)
	var s sessionBlob
	require.NoError(t, json.Unmarshal(exported, &s))
	assert.Equal(t, "t-1", s.Token)
	assert.Equal(t, map[string]string{"sid": "s-1"}, s.Cookies)
}

func TestImportCookiesFormats(t *testing.T) {
	device := identity.NewDeviceFingerprint("alice")
	client := NewRestClient("https://api.invalid", "ws://unused", "", device, zerolog.Nop())

	require.NoError(t, client.ImportCookies([]byte(`{"sid":"abc"}`)))
	require.NoError(t, client.ImportCookies([]byte(`[{"name":"sid","value":"def"}]`)))

	assert.Error(t, client.ImportCookies([]byte(`[]`)))
	assert.Error(t, client.ImportCookies([]byte(`not json`)))
}

func TestAuthHeadersSentOnRequests(t *testing.T) {
	var gotAuth, gotUA string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{"pk": "2", "username": "bob"},
		})
	}))
	require.NoError(t, client.RestoreSession([]byte(`{"token":"t-9","cookies":{}}`)))

	user, err := client.UserInfo(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Equal(t, "Bearer t-9", gotAuth)
	assert.Contains(t, gotUA, "Android")
}

func TestInboxSnapshotFlattensThreads(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/direct_v2/inbox/", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"inbox": map[string]any{
				"threads": []map[string]any{
					{
						"thread_id":    "t1",
						"participants": []map[string]any{{"pk": "u1", "username": "alice"}},
						"items": []map[string]any{
							{"item_id": "m1", "sender_id": "u1", "item_type": "text", "text": "hi"},
							{"item_id": "m2", "sender_id": "u1", "item_type": "text", "text": "again"},
						},
					},
					{
						"thread_id": "t2",
						"items": []map[string]any{
							{"item_id": "m3", "sender_id": "u2", "item_type": "media"},
						},
					},
				},
			},
		})
	}))

	events, err := client.InboxSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "t1", events[0].ThreadID)
	assert.Equal(t, "alice", events[0].Participants[0].Username)
	assert.Equal(t, "t2", events[2].ThreadID)
}
