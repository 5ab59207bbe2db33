package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/session-kit/internal/backend"
	"github.com/smallbiznis/session-kit/internal/config"
	"github.com/smallbiznis/session-kit/internal/crosssync"
	"github.com/smallbiznis/session-kit/internal/domain"
	"github.com/smallbiznis/session-kit/internal/google"
	"github.com/smallbiznis/session-kit/internal/session"
	"github.com/smallbiznis/session-kit/internal/store"
	"github.com/smallbiznis/session-kit/internal/telemetry"
)

func main() {
	args := os.Args[1:]
	mode := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}

	switch mode {
	case "run":
		app := fx.New(providers(), fx.Invoke(useTelemetry, runAgent))
		app.Run()
	case "login", "logout", "status":
		if err := runOneShot(mode, args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: sessiond [run|login|logout|status] [flags]")
		os.Exit(2)
	}
}

func providers() fx.Option {
	return fx.Provide(
		newConfig,
		newLogger,
		newTelemetry,
		newSnowflake,
		newStore,
		newBackendClient,
		newGoogleBridge,
		newSyncer,
		newOrchestrator,
		newSessionContext,
	)
}

// runOneShot performs a single operation against the shared session state and
// exits, leaving cross-context propagation to a running agent.
func runOneShot(mode string, args []string) error {
	var (
		orch session.Orchestrator
		st   store.Store
	)
	app := fx.New(
		fx.NopLogger,
		providers(),
		fx.Invoke(useTelemetry),
		fx.Populate(&orch, &st),
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	ctx := context.Background()
	switch mode {
	case "login":
		return oneShotLogin(ctx, orch, args)
	case "logout":
		orch.Logout(ctx)
		fmt.Println("signed out")
		return nil
	default:
		return oneShotStatus(ctx, st)
	}
}

func oneShotLogin(ctx context.Context, orch session.Orchestrator, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	useGoogle := fs.Bool("google", false, "sign in with Google instead of credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		current *domain.Session
		err     error
	)
	if *useGoogle {
		current, err = orch.LoginWithGooglePopup(ctx)
	} else {
		if *email == "" || *password == "" {
			return fmt.Errorf("login requires -email and -password, or -google")
		}
		current, err = orch.Login(ctx, *email, *password)
	}
	if err != nil {
		return err
	}
	fmt.Printf("signed in as %s (%s trust)\n", current.User.Email, current.Trust)
	return nil
}

func oneShotStatus(ctx context.Context, st store.Store) error {
	current, err := st.Read(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		fmt.Println("no active session")
		return nil
	}
	fmt.Printf("%s (%s, %s trust)\n", current.User.Email, current.User.Role, current.Trust)
	return nil
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newStore(lc fx.Lifecycle, cfg config.Config, node *snowflake.Node, logger *zap.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		st, err := store.NewRedisStore(ctx, client, node, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = st.Close()
				return client.Close()
			},
		})
		return st, nil
	default:
		st, err := store.NewFileStore(cfg.SessionFile, node, logger)
		if err != nil {
			return nil, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return st.Close()
			},
		})
		return st, nil
	}
}

func newBackendClient(cfg config.Config) backend.Service {
	return backend.NewHTTPClient(cfg.BackendBaseURL, &http.Client{Timeout: cfg.HTTPTimeout})
}

func newGoogleBridge(cfg config.Config, logger *zap.Logger) google.Bridge {
	return google.NewOAuthBridge(google.Options{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleSecret,
		AuthURL:      cfg.GoogleAuthURL,
		TokenURL:     cfg.GoogleTokenURL,
		RevokeURL:    cfg.GoogleRevokeURL,
		LoopbackPort: cfg.LoopbackPort,
		StateDir:     filepath.Dir(cfg.SessionFile),
		HTTPClient:   &http.Client{Timeout: cfg.HTTPTimeout},
		Logger:       logger,
	})
}

func newSyncer(st store.Store, cfg config.Config, logger *zap.Logger) *crosssync.Syncer {
	return crosssync.New(st, cfg.PollInterval, logger)
}

func newOrchestrator(st store.Store, svc backend.Service, bridge google.Bridge, provider *telemetry.Provider, logger *zap.Logger) session.Orchestrator {
	return session.NewOrchestrator(st, svc, bridge, provider.Tracer(), logger)
}

func newSessionContext(orch session.Orchestrator, st store.Store, syncer *crosssync.Syncer, logger *zap.Logger) *session.Context {
	return session.NewContext(orch, st, syncer, logger)
}

// runAgent resolves any pending Google redirect, starts the session context,
// and keeps the cross-context sync loop alive for the process lifetime.
func runAgent(lc fx.Lifecycle, sessionCtx *session.Context, syncer *crosssync.Syncer, orch session.Orchestrator, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			result, err := orch.ResolveGoogleRedirect(runCtx)
			if err != nil {
				logger.Warn("resolve pending sign-in", zap.Error(err))
			} else if result.Outcome == session.RedirectCompleted {
				logger.Info("pending sign-in resolved",
					zap.String("email", result.Session.User.Email),
					zap.String("trust", string(result.Session.Trust)),
				)
			}

			if err := sessionCtx.Start(runCtx); err != nil {
				stop()
				return fmt.Errorf("start session context: %w", err)
			}

			go func() {
				defer close(done)
				g, gctx := errgroup.WithContext(runCtx)

				g.Go(func() error {
					return syncer.Run(gctx)
				})

				g.Go(func() error {
					feed, unsubscribe := sessionCtx.Watch()
					defer unsubscribe()
					for {
						select {
						case <-gctx.Done():
							return nil
						case current, ok := <-feed:
							if !ok {
								return nil
							}
							logTransition(logger, current)
						}
					}
				})

				if err := g.Wait(); err != nil {
					logger.Error("sync loop stopped", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			sessionCtx.Close()
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func logTransition(logger *zap.Logger, current *domain.Session) {
	if current == nil {
		logger.Info("session cleared")
		return
	}
	logger.Info("session updated",
		zap.String("email", current.User.Email),
		zap.String("role", string(current.User.Role)),
		zap.String("trust", string(current.Trust)),
	)
}

func useTelemetry(*telemetry.Provider) {}
