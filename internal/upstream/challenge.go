package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/newhackerman/tenbin2api/internal/config"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// errChallengePending marks a poll that returned no value yet; the
// retry policy keeps polling on it.
var errChallengePending = errors.New("challenge result pending")

// SolverClient talks to the external challenge-solve service: one
// endpoint issues a task id, the other is polled until a token value
// appears. The solver may legitimately take several seconds, so polling
// retries indefinitely under the caller's context deadline.
type SolverClient struct {
	cfg     config.Solver
	httpc   *http.Client
	limiter *rate.Limiter
	retry   retrypolicy.RetryPolicy[string]
}

// NewSolverClient builds a solver client sharing the upstream HTTP client.
func NewSolverClient(cfg config.Solver, httpc *http.Client) *SolverClient {
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &SolverClient{
		cfg:     cfg,
		httpc:   httpc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		retry: retrypolicy.NewBuilder[string]().
			HandleErrors(errChallengePending).
			WithDelay(cfg.PollInterval).
			WithMaxRetries(-1).
			Build(),
	}
}

// NewTask asks the solver to start a challenge solve and returns the
// task id. Task issuance is rate-limited so a burst of inbound requests
// does not flood the solver.
func (c *SolverClient) NewTask(ctx context.Context) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", acquisitionError("solver rate wait", err)
	}

	taskURL := fmt.Sprintf("%s/turnstile?url=%s&sitekey=%s&action=%s",
		c.cfg.BaseURL,
		url.QueryEscape(c.cfg.PageURL),
		url.QueryEscape(c.cfg.SiteKey),
		url.QueryEscape(c.cfg.Action))

	body, err := c.getJSON(ctx, taskURL)
	if err != nil {
		return "", acquisitionError("solver task", err)
	}
	taskID := gjson.GetBytes(body, "task_id").String()
	if taskID == "" {
		return "", acquisitionError("solver task", fmt.Errorf("response missing task_id"))
	}
	log.Debugf("solver issued task %s", taskID)
	return taskID, nil
}

// Await polls the solver until the challenge token is available.
// Transient poll errors and pending results retry on the fixed
// interval; only context cancellation stops the loop.
func (c *SolverClient) Await(ctx context.Context, taskID string) (string, error) {
	resultURL := fmt.Sprintf("%s/result?id=%s", c.cfg.BaseURL, url.QueryEscape(taskID))

	token, err := failsafe.With(c.retry).WithContext(ctx).Get(func() (string, error) {
		body, err := c.getJSON(ctx, resultURL)
		if err != nil {
			log.Debugf("solver poll error for %s: %v", taskID, err)
			return "", errChallengePending
		}
		value := gjson.GetBytes(body, "value").String()
		if value == "" {
			return "", errChallengePending
		}
		return value, nil
	})
	if err != nil {
		return "", acquisitionError("solver poll", err)
	}
	return token, nil
}

func (c *SolverClient) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("solver returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return body, nil
}
