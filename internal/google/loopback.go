package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/smallbiznis/session-kit/internal/autherr"
)

// callbackResult carries the query parameters delivered to the loopback
// redirect URI.
type callbackResult struct {
	code    string
	state   string
	errCode string
}

const callbackPage = `<!DOCTYPE html><html><body>
<p>Sign-in complete. You can close this window and return to the application.</p>
</body></html>`

// awaitCallback serves the loopback redirect endpoint until one callback
// arrives or ctx is done. A busy port means the prompt cannot be presented.
func awaitCallback(ctx context.Context, port int, expectedState string) (*callbackResult, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, mapProviderCode(codePopupBlocked)
	}

	results := make(chan callbackResult, 1)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/callback", func(c *gin.Context) {
		res := callbackResult{
			code:    c.Query("code"),
			state:   c.Query("state"),
			errCode: c.Query("error"),
		}
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusOK, callbackPage)
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: router}

	var result *callbackResult
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("loopback listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		select {
		case res := <-results:
			result = &res
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The user walked away without completing the prompt.
			return nil, mapProviderCode(codePopupClosed)
		}
		return nil, autherr.Wrap(autherr.KindPopupBlocked, "loopback listener failed", err)
	}

	if result.errCode != "" {
		return nil, mapProviderCode(result.errCode)
	}
	if expectedState != "" && result.state != expectedState {
		return nil, mapProviderCode(codeConfigNotFound)
	}
	return result, nil
}
