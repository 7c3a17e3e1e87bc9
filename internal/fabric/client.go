// Package fabric is the HTTP client for the external GPU execution fabric:
// deployment submission, cache probing, and start commands. The fabric
// itself is an external collaborator; this package only speaks its HTTP
// contract.
package fabric

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Lexiie/KangKlip/internal/circuitbreaker"
	"github.com/Lexiie/KangKlip/internal/retry"
)

const (
	defaultTimeout             = 30 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Config configures the fabric client.
type Config struct {
	APIBase     string
	APIKey      string
	WorkerImage string
	Market      string
}

// Client speaks the fabric's deployment submission/probe/start HTTP contract.
// Submit and start calls go through a circuit breaker; the advisory cache
// probe retries transient failures instead.
type Client struct {
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	cfg        Config
}

// New constructs a fabric Client with a standardized transport.
func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		TLSClientConfig:     &tls.Config{},
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout, Transport: transport},
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		cfg:        cfg,
	}
}

// DeploymentEnv is the environment payload forwarded into the worker.
type DeploymentEnv struct {
	VideoURL          string `json:"VIDEO_URL"`
	ClipDurationSec   int    `json:"CLIP_DURATION_SECONDS"`
	ClipCount         int    `json:"CLIP_COUNT"`
	Language          string `json:"LANGUAGE"`
	JobID             string `json:"JOB_ID"`
	CallbackBaseURL   string `json:"CALLBACK_BASE_URL"`
	CallbackToken     string `json:"CALLBACK_TOKEN"`
	R2Endpoint        string `json:"R2_ENDPOINT"`
	R2Bucket          string `json:"R2_BUCKET"`
	R2AccessKeyID     string `json:"R2_ACCESS_KEY_ID"`
	R2SecretAccessKey string `json:"R2_SECRET_ACCESS_KEY"`
	LLMAPIBase        string `json:"LLM_API_BASE,omitempty"`
	LLMModelName      string `json:"LLM_MODEL_NAME,omitempty"`
	LLMAPIKey         string `json:"LLM_API_KEY,omitempty"`
}

// SubmitDeploymentResult is the fabric's response to a deployment submission.
type SubmitDeploymentResult struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// ProbeCache checks whether the configured worker image is cached on the
// target market. Advisory only: callers may ignore its result and submit
// regardless.
func (c *Client) ProbeCache(ctx context.Context) (cached bool, err error) {
	var result struct {
		Cached bool `json:"cached"`
	}
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/markets/%s/cache?image=%s", c.cfg.Market, c.cfg.WorkerImage), nil, &result)
	})
	if err != nil {
		return false, fmt.Errorf("probe cache: %w", err)
	}
	return result.Cached, nil
}

// SubmitDeployment submits a one-replica deployment for env.
func (c *Client) SubmitDeployment(ctx context.Context, env DeploymentEnv) (*SubmitDeploymentResult, error) {
	body := map[string]any{
		"image":    c.cfg.WorkerImage,
		"market":   c.cfg.Market,
		"replicas": 1,
		"env":      env,
	}
	var result SubmitDeploymentResult
	err := c.breaker.Execute(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, "/deployments", body, &result)
	})
	if err != nil {
		return nil, fmt.Errorf("submit deployment: %w", err)
	}
	return &result, nil
}

// DeploymentState is the current preparation/run state of a submitted deployment.
type DeploymentState struct {
	State string `json:"state"`
}

// nonTerminalPrepStates are non-ready states the start-poller keeps waiting on.
var nonTerminalPrepStates = map[string]bool{
	"QUEUED": true, "PULLING_IMAGE": true, "PREPARING": true, "STARTING": true,
}

// GetDeploymentState polls the current state of runID.
func (c *Client) GetDeploymentState(ctx context.Context, runID string) (*DeploymentState, error) {
	var state DeploymentState
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/deployments/%s", runID), nil, &state); err != nil {
		return nil, fmt.Errorf("get deployment state %s: %w", runID, err)
	}
	return &state, nil
}

// IsNonTerminalPreparation reports whether state is still preparing and not
// yet ready to receive a start command.
func IsNonTerminalPreparation(state string) bool {
	return nonTerminalPrepStates[state]
}

// StartDeployment issues the start command once a deployment is ready.
func (c *Client) StartDeployment(ctx context.Context, runID string) error {
	err := c.breaker.Execute(ctx, func() error {
		return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/deployments/%s/start", runID), nil, nil)
	})
	if err != nil {
		return fmt.Errorf("start deployment %s: %w", runID, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("fabric returned status %d for %s %s", resp.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
