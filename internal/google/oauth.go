package google

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/autherr"
)

// Options configures the OAuth bridge.
type Options struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RevokeURL    string
	LoopbackPort int
	// StateDir holds the one-shot pending-callback record and the provider
	// refresh token used for silent reauthentication.
	StateDir    string
	HTTPClient  *http.Client
	Logger      *zap.Logger
	OpenBrowser func(url string) error
}

// OAuthBridge implements Bridge with the authorization-code flow: the system
// browser is the popup, a loopback listener is the redirect target.
type OAuthBridge struct {
	opts       Options
	httpClient *http.Client
	openURL    func(url string) error
	logger     *zap.Logger
}

var _ Bridge = (*OAuthBridge)(nil)

// NewOAuthBridge constructs the default bridge.
func NewOAuthBridge(opts Options) *OAuthBridge {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	open := opts.OpenBrowser
	if open == nil {
		open = openBrowser
	}
	return &OAuthBridge{
		opts:       opts,
		httpClient: client,
		openURL:    open,
		logger:     opts.Logger,
	}
}

const oauthScopes = "openid email profile"

// SignInPopup drives one interactive sign-in: browser prompt, loopback
// callback, code exchange, identity extraction.
func (b *OAuthBridge) SignInPopup(ctx context.Context) (*Identity, error) {
	if strings.TrimSpace(b.opts.ClientID) == "" {
		return nil, mapProviderCode(codeConfigNotFound)
	}

	state := uuid.NewString()
	verifier, err := secureRandomString(64)
	if err != nil {
		return nil, fmt.Errorf("generate pkce verifier: %w", err)
	}
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d/callback", b.opts.LoopbackPort)

	authURL, err := b.buildAuthURL(state, verifier, redirectURI)
	if err != nil {
		return nil, err
	}

	// The listener must not outlive this attempt; a leaked listener keeps the
	// loopback port bound and blocks every retry.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *callbackResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := awaitCallback(ctx, b.opts.LoopbackPort, state)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	if err := b.openURL(authURL); err != nil {
		b.log().Warn("open browser for sign-in", zap.Error(err))
		return nil, mapProviderCode(codePopupBlocked)
	}

	var result *callbackResult
	select {
	case result = <-resultCh:
	case err := <-errCh:
		return nil, err
	}

	// Persist the callback before exchanging so an interrupted run can be
	// resolved as a redirect on the next start.
	b.writePending(pendingRecord{
		Code:        result.code,
		Verifier:    verifier,
		RedirectURI: redirectURI,
	})

	identity, err := b.exchange(ctx, result.code, verifier, redirectURI)
	if err != nil {
		return nil, err
	}
	b.clearPending()
	return identity, nil
}

// PendingRedirect consumes a persisted callback left by an interrupted
// sign-in. Returns (nil, nil) when nothing is pending.
func (b *OAuthBridge) PendingRedirect(ctx context.Context) (*Identity, error) {
	rec, ok := b.readPending()
	if !ok {
		return nil, nil
	}
	// One-shot: the record is consumed whether or not the exchange succeeds.
	b.clearPending()

	identity, err := b.exchange(ctx, rec.Code, rec.Verifier, rec.RedirectURI)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// SilentSignIn redeems the stored provider refresh token for a fresh ID
// token. Returns (nil, nil) when no refresh token is available to try.
func (b *OAuthBridge) SilentSignIn(ctx context.Context) (*Identity, error) {
	refreshToken, ok := b.readRefreshToken()
	if !ok {
		return nil, nil
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", b.opts.ClientID)
	if b.opts.ClientSecret != "" {
		data.Set("client_secret", b.opts.ClientSecret)
	}

	resp, err := b.tokenCall(ctx, data)
	if err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, mapProviderCode(codeConfigNotFound)
	}
	return identityFromIDToken(resp.IDToken)
}

// SignOut revokes the stored provider credential. Best-effort: the caller
// logs and moves on.
func (b *OAuthBridge) SignOut(ctx context.Context) error {
	refreshToken, ok := b.readRefreshToken()
	b.clearRefreshToken()
	if !ok || strings.TrimSpace(b.opts.RevokeURL) == "" {
		return nil
	}

	data := url.Values{}
	data.Set("token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke failed: status=%d", resp.StatusCode)
	}
	return nil
}

func (b *OAuthBridge) buildAuthURL(state, verifier, redirectURI string) (string, error) {
	authURL, err := url.Parse(b.opts.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}
	params := authURL.Query()
	params.Set("client_id", b.opts.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", oauthScopes)
	params.Set("state", state)
	params.Set("code_challenge", pkceChallenge(verifier))
	params.Set("code_challenge_method", "S256")
	// Offline access yields the refresh token that powers silent reauth.
	params.Set("access_type", "offline")
	params.Set("prompt", "select_account")
	authURL.RawQuery = params.Encode()
	return authURL.String(), nil
}

// exchange redeems an authorization code, stores the refresh token for silent
// reauth, and extracts the identity from the ID token.
func (b *OAuthBridge) exchange(ctx context.Context, code, verifier, redirectURI string) (*Identity, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", b.opts.ClientID)
	if b.opts.ClientSecret != "" {
		data.Set("client_secret", b.opts.ClientSecret)
	}
	if strings.TrimSpace(verifier) != "" {
		data.Set("code_verifier", verifier)
	}

	resp, err := b.tokenCall(ctx, data)
	if err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, mapProviderCode(codeConfigNotFound)
	}
	if resp.RefreshToken != "" {
		b.writeRefreshToken(resp.RefreshToken)
	}
	return identityFromIDToken(resp.IDToken)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ErrorCode    string `json:"error"`
}

func (b *OAuthBridge) tokenCall(ctx context.Context, data url.Values) (*tokenResponse, error) {
	if strings.TrimSpace(b.opts.TokenURL) == "" {
		return nil, mapProviderCode(codeConfigNotFound)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.opts.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetwork, "provider unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, autherr.Wrap(autherr.KindNetwork, "read token response", err)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, "malformed token response", err)
	}
	if resp.StatusCode >= 300 {
		if token.ErrorCode == "invalid_grant" {
			// The stored refresh token is dead; drop it so the next silent
			// attempt reports nothing-to-try instead of failing again.
			b.clearRefreshToken()
		}
		if token.ErrorCode != "" {
			return nil, mapProviderCode(token.ErrorCode)
		}
		return nil, mapProviderCode(codeConfigNotFound)
	}
	return &token, nil
}

// ---- local state files ----

type pendingRecord struct {
	Code        string `json:"code"`
	Verifier    string `json:"verifier"`
	RedirectURI string `json:"redirect_uri"`
}

func (b *OAuthBridge) pendingPath() string {
	return filepath.Join(b.opts.StateDir, "google-pending.json")
}

func (b *OAuthBridge) refreshTokenPath() string {
	return filepath.Join(b.opts.StateDir, "google-refresh-token")
}

func (b *OAuthBridge) readPending() (pendingRecord, bool) {
	raw, err := os.ReadFile(b.pendingPath())
	if err != nil {
		return pendingRecord{}, false
	}
	var rec pendingRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Code == "" {
		return pendingRecord{}, false
	}
	return rec, true
}

func (b *OAuthBridge) writePending(rec pendingRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := os.MkdirAll(b.opts.StateDir, 0o700); err != nil {
		b.log().Warn("create bridge state dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(b.pendingPath(), raw, 0o600); err != nil {
		b.log().Warn("persist pending callback", zap.Error(err))
	}
}

func (b *OAuthBridge) clearPending() {
	if err := os.Remove(b.pendingPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.log().Warn("clear pending callback", zap.Error(err))
	}
}

func (b *OAuthBridge) readRefreshToken() (string, bool) {
	raw, err := os.ReadFile(b.refreshTokenPath())
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(raw))
	return token, token != ""
}

func (b *OAuthBridge) writeRefreshToken(token string) {
	if err := os.MkdirAll(b.opts.StateDir, 0o700); err != nil {
		b.log().Warn("create bridge state dir", zap.Error(err))
		return
	}
	if err := os.WriteFile(b.refreshTokenPath(), []byte(token), 0o600); err != nil {
		b.log().Warn("persist provider refresh token", zap.Error(err))
	}
}

func (b *OAuthBridge) clearRefreshToken() {
	if err := os.Remove(b.refreshTokenPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.log().Warn("clear provider refresh token", zap.Error(err))
	}
}

func (b *OAuthBridge) log() *zap.Logger {
	if b != nil && b.logger != nil {
		return b.logger
	}
	return zap.L()
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
