// Package google adapts the Google sign-in capability for the session kit.
// The provider's string error codes stop at this boundary: everything is
// mapped into the closed autherr taxonomy, so the orchestrator branches on
// kinds, never on provider strings.
package google

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/smallbiznis/session-kit/internal/autherr"
)

// Identity is the provider-confirmed profile plus the verifiable ID token.
type Identity struct {
	Subject   string
	Email     string
	Name      string
	AvatarURL string
	IDToken   string
}

// Bridge is the sign-in capability the orchestrator consumes. Implementations
// return (nil, nil) from PendingRedirect and SilentSignIn when there is
// nothing to resolve, which is distinct from an attempt that failed.
type Bridge interface {
	// SignInPopup opens the provider prompt and resolves with the confirmed
	// identity, or fails with a taxonomy error.
	SignInPopup(ctx context.Context) (*Identity, error)
	// PendingRedirect consumes a pending redirect-callback result, if one
	// exists. The result is one-shot: a second call finds nothing.
	PendingRedirect(ctx context.Context) (*Identity, error)
	// SilentSignIn attempts an opportunistic reauthentication without user
	// interaction.
	SilentSignIn(ctx context.Context) (*Identity, error)
	// SignOut revokes provider-side credentials. Best-effort.
	SignOut(ctx context.Context) error
}

// Provider error codes observed at the boundary.
const (
	codePopupClosed        = "popup-closed-by-user"
	codePopupBlocked       = "popup-blocked"
	codeConfigNotFound     = "configuration-not-found"
	codeUnauthorizedDomain = "unauthorized-domain"
)

// mapProviderCode converts a provider or OAuth error code into the taxonomy.
// The mapping is closed: unrecognized codes are deployment defects.
func mapProviderCode(code string) *autherr.Error {
	switch code {
	case codePopupClosed, "access_denied":
		return autherr.New(autherr.KindPopupClosed, "sign-in prompt dismissed")
	case codePopupBlocked:
		return autherr.New(autherr.KindPopupBlocked, "sign-in prompt could not be presented")
	case codeUnauthorizedDomain, "unauthorized_client", "redirect_uri_mismatch":
		return autherr.New(autherr.KindUnauthorizedDomain, "deployment not authorized for this provider")
	case "server_error", "temporarily_unavailable":
		return autherr.New(autherr.KindNetwork, "provider temporarily unavailable")
	case codeConfigNotFound:
		return autherr.New(autherr.KindConfiguration, "provider configuration not found")
	default:
		return autherr.New(autherr.KindConfiguration, "provider error: "+code)
	}
}

// identityFromIDToken extracts profile claims from the provider ID token. The
// signature is not verified here: verification is the backend's job, and the
// degraded path explicitly trusts the provider transport instead.
func identityFromIDToken(idToken string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, autherr.Wrap(autherr.KindConfiguration, "malformed provider id token", err)
	}
	identity := &Identity{
		Subject:   claimString(claims, "sub"),
		Email:     claimString(claims, "email"),
		Name:      claimString(claims, "name"),
		AvatarURL: claimString(claims, "picture"),
		IDToken:   idToken,
	}
	if identity.Subject == "" {
		return nil, autherr.New(autherr.KindConfiguration, "provider id token missing subject")
	}
	return identity, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
