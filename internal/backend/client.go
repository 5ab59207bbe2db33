// Package backend is the REST client for the membership backend's identity
// endpoints. Transport failures are normalized into the autherr taxonomy at
// this boundary; callers never see raw HTTP errors.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/session-kit/internal/autherr"
	"github.com/smallbiznis/session-kit/internal/domain"
)

// Credentials is the {token, user} pair issued by the backend on a successful
// sign-in or registration.
type Credentials struct {
	Token string
	User  domain.User
}

// RegisterInput holds the fields for a new account.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
	Phone    string
}

// Service defines the identity operations the session kit consumes.
type Service interface {
	Login(ctx context.Context, email, password string) (*Credentials, error)
	Register(ctx context.Context, in RegisterInput) (*Credentials, error)
	VerifyGoogle(ctx context.Context, idToken string) (*Credentials, error)
	Me(ctx context.Context, token string) (*domain.User, error)
	Logout(ctx context.Context, token string) error
	UpdatePassword(ctx context.Context, token, current, next string) error
	ForgotPassword(ctx context.Context, email string) (string, error)
	VerifyResetToken(ctx context.Context, resetToken string) error
	ResetPassword(ctx context.Context, resetToken, newPassword string) (string, error)
}

// HTTPClient is the default HTTP implementation of Service.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient constructs the default backend client.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Login verifies credentials against POST /auth/login.
func (c *HTTPClient) Login(ctx context.Context, email, password string) (*Credentials, error) {
	return c.credentialCall(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Register creates an account via POST /auth/register.
func (c *HTTPClient) Register(ctx context.Context, in RegisterInput) (*Credentials, error) {
	payload := map[string]string{
		"name":     in.Name,
		"email":    in.Email,
		"password": in.Password,
	}
	if strings.TrimSpace(in.Phone) != "" {
		payload["phone"] = in.Phone
	}
	return c.credentialCall(ctx, "/auth/register", payload)
}

// VerifyGoogle exchanges a provider ID token for backend credentials via
// POST /auth/google, upserting the user server-side.
func (c *HTTPClient) VerifyGoogle(ctx context.Context, idToken string) (*Credentials, error) {
	return c.credentialCall(ctx, "/auth/google", map[string]string{
		"idToken": idToken,
	})
}

// Me refreshes the profile for the current token via GET /auth/me. A 401 maps
// to KindTokenInvalid.
func (c *HTTPClient) Me(ctx context.Context, token string) (*domain.User, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/auth/me", token, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, autherr.New(autherr.KindTokenInvalid, rejectionMessage(body))
	}
	if status >= 300 {
		return nil, autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	var resp struct {
		Data userPayload `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, autherr.Wrap(autherr.KindBackendRejected, "malformed profile response", err)
	}
	user := resp.Data.toDomain()
	return &user, nil
}

// Logout invalidates the server session via POST /auth/logout. Best-effort by
// contract; the caller ignores the error beyond logging.
func (c *HTTPClient) Logout(ctx context.Context, token string) error {
	body, status, err := c.do(ctx, http.MethodPost, "/auth/logout", token, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	return nil
}

// UpdatePassword changes the password via PUT /users/updatepassword. The
// session identity is unchanged on success.
func (c *HTTPClient) UpdatePassword(ctx context.Context, token, current, next string) error {
	payload := map[string]string{
		"currentPassword": current,
		"newPassword":     next,
	}
	body, status, err := c.do(ctx, http.MethodPut, "/users/updatepassword", token, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return autherr.New(autherr.KindTokenInvalid, rejectionMessage(body))
	}
	if status >= 300 {
		return autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	return nil
}

// ForgotPassword requests a reset email via POST /auth/forgot-password.
func (c *HTTPClient) ForgotPassword(ctx context.Context, email string) (string, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": email})
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	return messageOf(body), nil
}

// VerifyResetToken validates a reset token via GET /auth/reset-password/:token/verify.
func (c *HTTPClient) VerifyResetToken(ctx context.Context, resetToken string) error {
	body, status, err := c.do(ctx, http.MethodGet, "/auth/reset-password/"+resetToken+"/verify", "", nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	return nil
}

// ResetPassword sets a new password via POST /auth/reset-password/:token.
func (c *HTTPClient) ResetPassword(ctx context.Context, resetToken, newPassword string) (string, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/auth/reset-password/"+resetToken, "", map[string]string{"password": newPassword})
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	return messageOf(body), nil
}

func (c *HTTPClient) credentialCall(ctx context.Context, path string, payload map[string]string) (*Credentials, error) {
	body, status, err := c.do(ctx, http.MethodPost, path, "", payload)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, autherr.New(autherr.KindBackendRejected, rejectionMessage(body))
	}
	var resp struct {
		Token string      `json:"token"`
		User  userPayload `json:"user"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, autherr.Wrap(autherr.KindBackendRejected, "malformed credential response", err)
	}
	if strings.TrimSpace(resp.Token) == "" {
		return nil, autherr.New(autherr.KindBackendRejected, "credential response missing token")
	}
	return &Credentials{Token: resp.Token, User: resp.User.toDomain()}, nil
}

// do performs one request and returns the body and status. Only transport
// failures produce an error, already normalized to KindNetwork.
func (c *HTTPClient) do(ctx context.Context, method, path, token string, payload any) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, autherr.Wrap(autherr.KindNetwork, "backend unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, autherr.Wrap(autherr.KindNetwork, "read response", err)
	}
	return body, resp.StatusCode, nil
}

type userPayload struct {
	ID        string    `json:"id"`
	MongoID   string    `json:"_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	Phone     string    `json:"phone"`
	AvatarURL string    `json:"avatar"`
	CreatedAt time.Time `json:"createdAt"`
}

func (p userPayload) toDomain() domain.User {
	id := p.ID
	if id == "" {
		id = p.MongoID
	}
	role := domain.Role(p.Role)
	if role != domain.RoleAdmin {
		role = domain.RoleUser
	}
	status := p.Status
	if status == "" {
		status = domain.StatusActive
	}
	return domain.User{
		ID:        id,
		Name:      p.Name,
		Email:     p.Email,
		Role:      role,
		Status:    status,
		Phone:     p.Phone,
		AvatarURL: p.AvatarURL,
		CreatedAt: p.CreatedAt,
	}
}

// rejectionMessage extracts the backend's human-readable error message.
func rejectionMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Message) != "" {
			return payload.Message
		}
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return "request rejected"
}

func messageOf(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Message
}
