package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/session-kit/internal/domain"
	"github.com/smallbiznis/session-kit/internal/session"
	"github.com/smallbiznis/session-kit/internal/store"
)

type stubOrchestrator struct {
	session.Orchestrator
	loginEmail  string
	popupCalls  int
	logoutCalls int
	current     *domain.Session
	err         error
}

func (s *stubOrchestrator) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	s.loginEmail = email
	return s.current, s.err
}

func (s *stubOrchestrator) LoginWithGooglePopup(ctx context.Context) (*domain.Session, error) {
	s.popupCalls++
	return s.current, s.err
}

func (s *stubOrchestrator) Logout(ctx context.Context) {
	s.logoutCalls++
}

type stubStore struct {
	store.Store
	current *domain.Session
}

func (s *stubStore) Read(ctx context.Context) (*domain.Session, error) {
	return s.current, nil
}

func memberSession() *domain.Session {
	return &domain.Session{
		Token: "abc",
		User:  domain.User{ID: "u-1", Email: "user@x.com", Role: domain.RoleUser},
		Trust: domain.TrustVerified,
	}
}

func TestOneShotLogin_Credentials(t *testing.T) {
	orch := &stubOrchestrator{current: memberSession()}

	err := oneShotLogin(context.Background(), orch, []string{"-email", "user@x.com", "-password", "pw"})
	require.NoError(t, err)
	require.Equal(t, "user@x.com", orch.loginEmail)
	require.Zero(t, orch.popupCalls)
}

func TestOneShotLogin_Google(t *testing.T) {
	orch := &stubOrchestrator{current: memberSession()}

	err := oneShotLogin(context.Background(), orch, []string{"-google"})
	require.NoError(t, err)
	require.Equal(t, 1, orch.popupCalls)
}

func TestOneShotLogin_RequiresCredentialsOrGoogle(t *testing.T) {
	orch := &stubOrchestrator{current: memberSession()}

	err := oneShotLogin(context.Background(), orch, nil)
	require.Error(t, err)
	require.Empty(t, orch.loginEmail)
	require.Zero(t, orch.popupCalls)
}

func TestOneShotStatus(t *testing.T) {
	require.NoError(t, oneShotStatus(context.Background(), &stubStore{}))
	require.NoError(t, oneShotStatus(context.Background(), &stubStore{current: memberSession()}))
}
