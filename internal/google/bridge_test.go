package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/autherr"
)

func TestMapProviderCode(t *testing.T) {
	cases := []struct {
		code string
		kind autherr.Kind
	}{
		{codePopupClosed, autherr.KindPopupClosed},
		{"access_denied", autherr.KindPopupClosed},
		{codePopupBlocked, autherr.KindPopupBlocked},
		{codeUnauthorizedDomain, autherr.KindUnauthorizedDomain},
		{"unauthorized_client", autherr.KindUnauthorizedDomain},
		{"redirect_uri_mismatch", autherr.KindUnauthorizedDomain},
		{"server_error", autherr.KindNetwork},
		{"temporarily_unavailable", autherr.KindNetwork},
		{codeConfigNotFound, autherr.KindConfiguration},
		{"some_future_code", autherr.KindConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			require.Equal(t, tc.kind, mapProviderCode(tc.code).Kind)
		})
	}
}

func unsignedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return token
}

func TestIdentityFromIDToken(t *testing.T) {
	raw := unsignedIDToken(t, jwt.MapClaims{
		"sub":     "google-sub-1",
		"email":   "g@x.com",
		"name":    "Google User",
		"picture": "https://img/avatar",
	})

	identity, err := identityFromIDToken(raw)
	require.NoError(t, err)
	require.Equal(t, "google-sub-1", identity.Subject)
	require.Equal(t, "g@x.com", identity.Email)
	require.Equal(t, "Google User", identity.Name)
	require.Equal(t, "https://img/avatar", identity.AvatarURL)
	require.Equal(t, raw, identity.IDToken)
}

func TestIdentityFromIDToken_MissingSubject(t *testing.T) {
	raw := unsignedIDToken(t, jwt.MapClaims{"email": "g@x.com"})

	_, err := identityFromIDToken(raw)
	require.True(t, autherr.IsKind(err, autherr.KindConfiguration))
}

func TestIdentityFromIDToken_Malformed(t *testing.T) {
	_, err := identityFromIDToken("not-a-jwt")
	require.True(t, autherr.IsKind(err, autherr.KindConfiguration))
}

// tokenEndpoint fakes the provider token endpoint, recording the last form it
// received.
type tokenEndpoint struct {
	srv      *httptest.Server
	lastForm map[string][]string
	respond  func(w http.ResponseWriter)
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		te.lastForm = r.PostForm
		te.respond(w)
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func (te *tokenEndpoint) respondIDToken(idToken, refreshToken string) {
	te.respond = func(w http.ResponseWriter) {
		json.NewEncoder(w).Encode(map[string]string{
			"id_token":      idToken,
			"refresh_token": refreshToken,
		})
	}
}

func (te *tokenEndpoint) respondError(status int, code string) {
	te.respond = func(w http.ResponseWriter) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{"error": code})
	}
}

func newTestBridge(t *testing.T, tokenURL string) *OAuthBridge {
	t.Helper()
	return NewOAuthBridge(Options{
		ClientID: "client-1",
		TokenURL: tokenURL,
		StateDir: t.TempDir(),
		Logger:   zap.NewNop(),
	})
}

func TestPendingRedirect_NothingPending(t *testing.T) {
	b := newTestBridge(t, "http://unused")

	identity, err := b.PendingRedirect(context.Background())
	require.NoError(t, err)
	require.Nil(t, identity)
}

func TestPendingRedirect_ConsumesRecordOnce(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respondIDToken(unsignedIDToken(t, jwt.MapClaims{"sub": "google-sub-1"}), "")
	b := newTestBridge(t, te.srv.URL)

	b.writePending(pendingRecord{Code: "auth-code", Verifier: "ver", RedirectURI: "http://127.0.0.1:1/callback"})

	identity, err := b.PendingRedirect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "google-sub-1", identity.Subject)
	require.Equal(t, "authorization_code", te.lastForm["grant_type"][0])
	require.Equal(t, "auth-code", te.lastForm["code"][0])
	require.Equal(t, "ver", te.lastForm["code_verifier"][0])

	// One-shot: the second resolution finds nothing.
	identity, err = b.PendingRedirect(context.Background())
	require.NoError(t, err)
	require.Nil(t, identity)
}

func TestPendingRedirect_ConsumedEvenWhenExchangeFails(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respondError(http.StatusBadRequest, "invalid_grant")
	b := newTestBridge(t, te.srv.URL)

	b.writePending(pendingRecord{Code: "dead-code", Verifier: "ver", RedirectURI: "http://127.0.0.1:1/callback"})

	_, err := b.PendingRedirect(context.Background())
	require.Error(t, err)

	identity, err := b.PendingRedirect(context.Background())
	require.NoError(t, err)
	require.Nil(t, identity)
}

func TestSilentSignIn_NoRefreshToken(t *testing.T) {
	b := newTestBridge(t, "http://unused")

	identity, err := b.SilentSignIn(context.Background())
	require.NoError(t, err)
	require.Nil(t, identity)
}

func TestSilentSignIn_RedeemsRefreshToken(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respondIDToken(unsignedIDToken(t, jwt.MapClaims{"sub": "google-sub-1", "email": "g@x.com"}), "")
	b := newTestBridge(t, te.srv.URL)
	b.writeRefreshToken("refresh-1")

	identity, err := b.SilentSignIn(context.Background())
	require.NoError(t, err)
	require.Equal(t, "google-sub-1", identity.Subject)
	require.Equal(t, "refresh_token", te.lastForm["grant_type"][0])
	require.Equal(t, "refresh-1", te.lastForm["refresh_token"][0])
}

func TestSilentSignIn_RevokedTokenIsDropped(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respondError(http.StatusBadRequest, "invalid_grant")
	b := newTestBridge(t, te.srv.URL)
	b.writeRefreshToken("revoked")

	_, err := b.SilentSignIn(context.Background())
	require.Error(t, err)

	// The dead token is gone; the next attempt has nothing to try.
	identity, err := b.SilentSignIn(context.Background())
	require.NoError(t, err)
	require.Nil(t, identity)
}

func TestExchange_StoresRefreshToken(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respondIDToken(unsignedIDToken(t, jwt.MapClaims{"sub": "google-sub-1"}), "refresh-new")
	b := newTestBridge(t, te.srv.URL)

	_, err := b.exchange(context.Background(), "auth-code", "ver", "http://127.0.0.1:1/callback")
	require.NoError(t, err)

	token, ok := b.readRefreshToken()
	require.True(t, ok)
	require.Equal(t, "refresh-new", token)
}

func TestSignOut_ClearsRefreshTokenWithoutRevokeURL(t *testing.T) {
	b := newTestBridge(t, "http://unused")
	b.writeRefreshToken("refresh-1")

	require.NoError(t, b.SignOut(context.Background()))

	_, ok := b.readRefreshToken()
	require.False(t, ok)
	_, err := os.Stat(filepath.Join(b.opts.StateDir, "google-refresh-token"))
	require.True(t, os.IsNotExist(err))
}

func TestSignInPopup_MissingClientID(t *testing.T) {
	b := NewOAuthBridge(Options{StateDir: t.TempDir(), Logger: zap.NewNop()})

	_, err := b.SignInPopup(context.Background())
	require.True(t, autherr.IsKind(err, autherr.KindConfiguration))
}

func TestBuildAuthURL(t *testing.T) {
	b := NewOAuthBridge(Options{
		ClientID:     "client-1",
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		LoopbackPort: 48710,
		StateDir:     t.TempDir(),
	})

	raw, err := b.buildAuthURL("state-1", "verifier-1", "http://127.0.0.1:48710/callback")
	require.NoError(t, err)

	require.Contains(t, raw, "client_id=client-1")
	require.Contains(t, raw, "response_type=code")
	require.Contains(t, raw, "state=state-1")
	require.Contains(t, raw, "code_challenge_method=S256")
	require.Contains(t, raw, "access_type=offline")
	require.Contains(t, raw, pkceChallenge("verifier-1"))
}
