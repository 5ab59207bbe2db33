// Package session holds the sign-in orchestrator and the process-wide session
// context. All session mutation flows through the orchestrator; the store is
// written at most once per operation, only after every required step succeeds.
package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/smallbiznis/session-kit/internal/autherr"
	"github.com/smallbiznis/session-kit/internal/backend"
	"github.com/smallbiznis/session-kit/internal/domain"
	"github.com/smallbiznis/session-kit/internal/google"
	"github.com/smallbiznis/session-kit/internal/store"
)

// DegradedSessionToken is the fixed sentinel credential carried by sessions
// the backend never confirmed. It is not accepted by any backend endpoint.
const DegradedSessionToken = "google-auth-token"

// RedirectOutcome distinguishes how a redirect resolution concluded.
type RedirectOutcome string

const (
	// RedirectCompleted means a session was established.
	RedirectCompleted RedirectOutcome = "completed"
	// RedirectNonePending means no pending result existed and there was
	// nothing to attempt silently; sign-in was never attempted.
	RedirectNonePending RedirectOutcome = "none-pending"
	// RedirectAttemptFailed means a resolution was attempted and yielded no
	// session. The caller routes the user to manual sign-in either way, but
	// the two outcomes stay distinguishable.
	RedirectAttemptFailed RedirectOutcome = "attempt-failed"
)

// RedirectResult is the outcome of ResolveGoogleRedirect.
type RedirectResult struct {
	Outcome RedirectOutcome
	Session *domain.Session
}

// Orchestrator performs one authentication strategy to completion, establishes
// the trust level, and commits to the store on success. Operations never
// surface raw transport or provider errors; failures carry autherr kinds. The
// one exception is a local persistence failure after the sign-in itself
// succeeded: that is a host defect, not a sign-in outcome, and surfaces as a
// wrapped "persist session" error outside the taxonomy.
type Orchestrator interface {
	Login(ctx context.Context, email, password string) (*domain.Session, error)
	Register(ctx context.Context, in backend.RegisterInput) (*domain.Session, error)
	LoginWithGooglePopup(ctx context.Context) (*domain.Session, error)
	ResolveGoogleRedirect(ctx context.Context) (*RedirectResult, error)
	// Logout tears the local session down unconditionally. Provider and
	// backend invalidation are best-effort; failures are logged, never
	// surfaced.
	Logout(ctx context.Context)
	UpdatePassword(ctx context.Context, current, next string) error
	ForgotPassword(ctx context.Context, email string) (string, error)
	VerifyResetToken(ctx context.Context, resetToken string) error
	ResetPassword(ctx context.Context, resetToken, newPassword string) (string, error)
	// Refresh re-reads the profile for the current token. A rejected token
	// does not clear the session; the stale session stays usable until the
	// backend explicitly rejects a user action.
	Refresh(ctx context.Context) (*domain.Session, error)
}

type orchestrator struct {
	store   store.Store
	backend backend.Service
	google  google.Bridge
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewOrchestrator wires the orchestrator implementation.
func NewOrchestrator(st store.Store, svc backend.Service, bridge google.Bridge, tracer trace.Tracer, logger *zap.Logger) Orchestrator {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &orchestrator{
		store:   st,
		backend: svc,
		google:  bridge,
		logger:  logger,
		tracer:  tracer,
	}
}

// Login verifies credentials with the backend and commits a verified session.
// The store is untouched on failure.
func (o *orchestrator) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	ctx, span := o.tracer.Start(ctx, "session.Login")
	defer span.End()

	creds, err := o.backend.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return o.commit(ctx, creds.Token, creds.User, domain.TrustVerified)
}

// Register creates an account and commits the issued session. Same contract
// as Login.
func (o *orchestrator) Register(ctx context.Context, in backend.RegisterInput) (*domain.Session, error) {
	ctx, span := o.tracer.Start(ctx, "session.Register")
	defer span.End()

	creds, err := o.backend.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	return o.commit(ctx, creds.Token, creds.User, domain.TrustVerified)
}

// LoginWithGooglePopup drives the interactive Google flow. Provider failures
// terminate with no session change; once the provider has confirmed the
// identity, a backend failure degrades the session instead of losing it.
func (o *orchestrator) LoginWithGooglePopup(ctx context.Context) (*domain.Session, error) {
	ctx, span := o.tracer.Start(ctx, "session.LoginWithGooglePopup")
	defer span.End()

	attempt := domain.Attempt{Strategy: domain.StrategyGooglePopup, Stage: domain.StageProviderPending}
	o.logStage(attempt)

	identity, err := o.google.SignInPopup(ctx)
	if err != nil {
		attempt.Stage = domain.StageFailed
		o.logStage(attempt, zap.Error(err))
		return nil, normalize(err)
	}

	attempt.Stage = domain.StageTokenObtained
	return o.completeGoogle(ctx, attempt, identity)
}

// ResolveGoogleRedirect resolves a pending redirect result, falling back to a
// silent reauthentication. Called once on application start.
func (o *orchestrator) ResolveGoogleRedirect(ctx context.Context) (*RedirectResult, error) {
	ctx, span := o.tracer.Start(ctx, "session.ResolveGoogleRedirect")
	defer span.End()

	attempt := domain.Attempt{Strategy: domain.StrategyGoogleRedirect, Stage: domain.StageProviderPending}

	identity, err := o.google.PendingRedirect(ctx)
	if err != nil {
		attempt.Stage = domain.StageFailed
		o.logStage(attempt, zap.Error(err))
		return &RedirectResult{Outcome: RedirectAttemptFailed}, normalize(err)
	}
	if identity != nil {
		attempt.Stage = domain.StageTokenObtained
		session, err := o.completeGoogle(ctx, attempt, identity)
		if err != nil {
			return &RedirectResult{Outcome: RedirectAttemptFailed}, err
		}
		return &RedirectResult{Outcome: RedirectCompleted, Session: session}, nil
	}

	identity, err = o.google.SilentSignIn(ctx)
	if err != nil {
		// Opportunistic only: completes without a session, not with an error.
		o.log().Info("silent reauthentication failed", zap.Error(err))
		return &RedirectResult{Outcome: RedirectAttemptFailed}, nil
	}
	if identity == nil {
		return &RedirectResult{Outcome: RedirectNonePending}, nil
	}

	attempt.Stage = domain.StageTokenObtained
	session, err := o.completeGoogle(ctx, attempt, identity)
	if err != nil {
		return &RedirectResult{Outcome: RedirectAttemptFailed}, err
	}
	return &RedirectResult{Outcome: RedirectCompleted, Session: session}, nil
}

// Logout invalidates the session with the provider and the backend, both
// best-effort, and always clears the local store.
func (o *orchestrator) Logout(ctx context.Context) {
	ctx, span := o.tracer.Start(ctx, "session.Logout")
	defer span.End()

	// The local session is torn down no matter what the calls below do, even
	// when the best-effort calls consumed the caller's deadline.
	defer o.store.Clear(context.WithoutCancel(ctx))

	session, err := o.store.Read(ctx)
	if err != nil {
		o.log().Warn("read session during logout", zap.Error(err))
	}

	if err := o.google.SignOut(ctx); err != nil {
		o.log().Warn("provider sign-out failed", zap.Error(err))
	}

	if session != nil && session.Token != DegradedSessionToken {
		if err := o.backend.Logout(ctx, session.Token); err != nil {
			o.log().Warn("backend logout failed", zap.Error(err))
		}
	}
}

// UpdatePassword changes the password for the current session. The session
// identity is unchanged on success. A token the backend rejects here clears
// the session: the user just proved they expect a live one.
func (o *orchestrator) UpdatePassword(ctx context.Context, current, next string) error {
	ctx, span := o.tracer.Start(ctx, "session.UpdatePassword")
	defer span.End()

	session, err := o.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	if session == nil {
		return autherr.New(autherr.KindTokenInvalid, "no active session")
	}

	if err := o.backend.UpdatePassword(ctx, session.Token, current, next); err != nil {
		if autherr.IsKind(err, autherr.KindTokenInvalid) {
			o.store.Clear(ctx)
		}
		return err
	}
	return nil
}

// ForgotPassword requests a reset email.
func (o *orchestrator) ForgotPassword(ctx context.Context, email string) (string, error) {
	return o.backend.ForgotPassword(ctx, email)
}

// VerifyResetToken validates a reset token before showing the reset form.
func (o *orchestrator) VerifyResetToken(ctx context.Context, resetToken string) error {
	return o.backend.VerifyResetToken(ctx, resetToken)
}

// ResetPassword completes the forgot-password flow.
func (o *orchestrator) ResetPassword(ctx context.Context, resetToken, newPassword string) (string, error) {
	return o.backend.ResetPassword(ctx, resetToken, newPassword)
}

// Refresh re-reads the profile for the stored token and rewrites the session
// with the fresh user record. Degraded sessions are left alone: their token
// is a sentinel the backend would only reject.
func (o *orchestrator) Refresh(ctx context.Context) (*domain.Session, error) {
	ctx, span := o.tracer.Start(ctx, "session.Refresh")
	defer span.End()

	session, err := o.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if session == nil || session.Trust == domain.TrustDegraded {
		return session, nil
	}

	user, err := o.backend.Me(ctx, session.Token)
	if err != nil {
		// Including KindTokenInvalid: stay logged in through backend hiccups.
		return nil, err
	}
	return o.commit(ctx, session.Token, *user, domain.TrustVerified)
}

// completeGoogle runs the shared tail of both Google flows, from a confirmed
// provider identity to a committed session.
func (o *orchestrator) completeGoogle(ctx context.Context, attempt domain.Attempt, identity *google.Identity) (*domain.Session, error) {
	creds, err := o.backend.VerifyGoogle(ctx, identity.IDToken)
	if err != nil {
		// The provider already proved who this is. Refusing entry because our
		// own backend is down is worse than admitting a lower-trust session.
		attempt.Stage = domain.StageDegraded
		attempt.Trust = domain.TrustDegraded
		o.logStage(attempt, zap.Error(err))
		return o.commit(ctx, DegradedSessionToken, degradedUser(identity), domain.TrustDegraded)
	}

	attempt.Stage = domain.StageAuthenticated
	attempt.Trust = domain.TrustVerified
	o.logStage(attempt)
	return o.commit(ctx, creds.Token, creds.User, domain.TrustVerified)
}

// commit is the single store-write point for every operation. A write failure
// here is deliberately not folded into the taxonomy; see Orchestrator.
func (o *orchestrator) commit(ctx context.Context, token string, user domain.User, trust domain.Trust) (*domain.Session, error) {
	session := domain.Session{Token: token, User: user, Trust: trust}
	if err := o.store.Write(ctx, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	return &session, nil
}

// degradedUser synthesizes a profile from what the provider confirmed, with
// the least-privileged role.
func degradedUser(identity *google.Identity) domain.User {
	return domain.User{
		ID:        identity.Subject,
		Name:      identity.Name,
		Email:     identity.Email,
		Role:      domain.RoleUser,
		Status:    domain.StatusActive,
		AvatarURL: identity.AvatarURL,
		CreatedAt: time.Now().UTC(),
	}
}

// normalize guarantees callers only ever see taxonomy errors.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := autherr.KindOf(err); ok {
		return err
	}
	return autherr.Wrap(autherr.KindNetwork, "sign-in failed", err)
}

func (o *orchestrator) logStage(attempt domain.Attempt, fields ...zap.Field) {
	fields = append(fields,
		zap.String("strategy", string(attempt.Strategy)),
		zap.String("stage", string(attempt.Stage)),
	)
	if attempt.Trust != "" {
		fields = append(fields, zap.String("trust", string(attempt.Trust)))
	}
	o.log().Debug("sign-in attempt", fields...)
}

func (o *orchestrator) log() *zap.Logger {
	if o != nil && o.logger != nil {
		return o.logger
	}
	return zap.L()
}
