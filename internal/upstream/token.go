package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/newhackerman/tenbin2api/internal/config"
	"github.com/newhackerman/tenbin2api/internal/json"
	log "github.com/newhackerman/tenbin2api/internal/logging"
	"github.com/newhackerman/tenbin2api/internal/resilience"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

const issueTokensQuery = "query IssueExecutionTokensMultiple($turnstileToken: String!, $models: [ChatModel!]!) {\n  executionTokens: issueExecutionTokensMultiple(\n    turnstileToken: $turnstileToken\n    models: $models\n  )\n}"

// Client performs the upstream exchanges: execution-token issuance over
// GraphQL HTTP and conversation streaming over graphql-transport-ws.
// One Client is shared by all requests.
type Client struct {
	cfg     *config.Config
	httpc   *http.Client
	solver  *SolverClient
	breaker *resilience.CircuitBreaker
}

// NewClient wires the HTTP client, solver client and the circuit
// breaker guarding token issuance.
func NewClient(cfg *config.Config) (*Client, error) {
	httpc, err := newHTTPClient(cfg.ProxyURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	breakerCfg := resilience.DefaultBreakerConfig("execution-token")
	breakerCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warnf("breaker %s: %s -> %s", name, from, to)
	}
	breaker := resilience.NewCircuitBreaker(breakerCfg)
	return &Client{
		cfg:     cfg,
		httpc:   httpc,
		solver:  NewSolverClient(cfg.Solver, httpc),
		breaker: breaker,
	}, nil
}

type issueTokensRequest struct {
	OperationName string              `json:"operationName"`
	Variables     issueTokensVariables `json:"variables"`
	Query         string              `json:"query"`
}

type issueTokensVariables struct {
	TurnstileToken string   `json:"turnstileToken"`
	Models         []string `json:"models"`
}

// AcquireExecutionToken obtains one single-use execution token for the
// given upstream model: challenge solve first, then the GraphQL query
// authenticated by the credential's session cookie. The token must be
// consumed by the very next streaming exchange; it is never cached.
func (c *Client) AcquireExecutionToken(ctx context.Context, upstreamModelID, sessionID string) (string, error) {
	taskID, err := c.solver.NewTask(ctx)
	if err != nil {
		return "", err
	}
	challenge, err := c.solver.Await(ctx, taskID)
	if err != nil {
		return "", err
	}

	token, err := c.breaker.Execute(func() (any, error) {
		return c.issueToken(ctx, upstreamModelID, sessionID, challenge)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return "", err
		}
		return "", acquisitionError("issue token", err)
	}
	return token.(string), nil
}

func (c *Client) issueToken(ctx context.Context, upstreamModelID, sessionID, challenge string) (string, error) {
	payload, err := json.Marshal(issueTokensRequest{
		OperationName: "IssueExecutionTokensMultiple",
		Variables: issueTokensVariables{
			TurnstileToken: challenge,
			Models:         []string{upstreamModelID},
		},
		Query: issueTokensQuery,
	})
	if err != nil {
		return "", acquisitionError("encode token request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Upstream.GraphQLURL, bytes.NewReader(payload))
	if err != nil {
		return "", acquisitionError("build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.Upstream.UserAgent)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("Cookie", "sessionId="+sessionID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", acquisitionError("token request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// Keep "unauthorized" in the message so the pool invalidates
		// the credential.
		return "", acquisitionError("token request", fmt.Errorf("unauthorized: upstream returned %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return "", acquisitionError("token request", fmt.Errorf("upstream returned %s", resp.Status))
	}

	decoded, err := decodeBody(resp)
	if err != nil {
		return "", acquisitionError("decode token response", err)
	}
	defer decoded.Close()
	body, err := io.ReadAll(io.LimitReader(decoded, 1<<20))
	if err != nil {
		return "", acquisitionError("read token response", err)
	}

	if errMsg := gjson.GetBytes(body, "errors.0.message").String(); errMsg != "" {
		return "", acquisitionError("token request", fmt.Errorf("upstream rejected: %s", errMsg))
	}
	token := gjson.GetBytes(body, "data.executionTokens.0").String()
	if token == "" {
		return "", acquisitionError("token request", fmt.Errorf("response missing execution token"))
	}
	log.Debugf("execution token issued for model %s", upstreamModelID)
	return token, nil
}
