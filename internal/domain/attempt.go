package domain

// Strategy names one of the supported sign-in paths.
type Strategy string

const (
	StrategyPassword       Strategy = "password"
	StrategyGooglePopup    Strategy = "google-popup"
	StrategyGoogleRedirect Strategy = "google-redirect"
)

// Stage tracks the progress of one in-flight sign-in attempt. Attempts are
// transient; stages are recorded for logging and tracing, never persisted.
type Stage string

const (
	StageIdle            Stage = "idle"
	StageProviderPending Stage = "provider-pending"
	StageTokenObtained   Stage = "token-obtained"
	StageAuthenticated   Stage = "authenticated"
	StageDegraded        Stage = "degraded-authenticated"
	StageFailed          Stage = "failed"
)

// Attempt describes a single in-flight sign-in operation.
type Attempt struct {
	Strategy Strategy
	Stage    Stage
	Trust    Trust
}
