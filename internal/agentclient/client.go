package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/convoyhq/convoy/internal/errcode"
)

// TokenUsage is the accounting block an agent returns with each response.
// It is trusted as the authoritative figure for the call, superseding the
// orchestrator's pre-call estimate.
type TokenUsage struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	ModelUsed        string `json:"model_used,omitempty"`
}

// Response is the agent's reply to an execute_task call.
type Response struct {
	// Success indicates the tool ran and produced a result.
	Success bool `json:"success"`
	// NoResults flags a soft failure: the tool ran but nothing applied.
	NoResults bool `json:"no_results,omitempty"`
	// Result holds the tool's output values, keyed by output variable name.
	Result map[string]any `json:"result,omitempty"`
	// TokenUsage is the agent-reported consumption.
	TokenUsage TokenUsage `json:"token_usage"`
	// Error describes an application-level failure.
	Error string `json:"error,omitempty"`
}

// Request is the body sent to an agent's execute_task endpoint.
type Request struct {
	Tool        string            `json:"tool"`
	Inputs      map[string]any    `json:"inputs"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// Client invokes agent microservices over HTTP with transient-only retry.
type Client struct {
	httpClient *http.Client
	policy     RetryPolicy
}

// New creates an agent client with the given per-call timeout and policy.
func New(timeout time.Duration, policy RetryPolicy) *Client {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Retryable == nil {
		policy.Retryable = TransientOnly
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
	}
}

// Call POSTs the request to {baseURL}/execute_task. Transport errors and 5xx
// responses are retried per the policy; 4xx responses and application-level
// success=false are permanent, so side effects of non-idempotent tools are
// never duplicated. The returned error carries AGENT_UNAVAILABLE when
// retries are exhausted and AGENT_REJECTED for permanent failures.
func (c *Client) Call(ctx context.Context, baseURL string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}
	url := baseURL + "/execute_task"

	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.policy.Delay(attempt - 1)
			log.Printf("[agentclient] retrying %s %s in %s (attempt %d/%d)",
				req.Tool, baseURL, delay, attempt, c.policy.MaxAttempts)
			select {
			case <-ctx.Done():
				return nil, errcode.Wrap(errcode.CodeAgentUnavailable, ctx.Err(), "call to %s aborted", baseURL)
			case <-time.After(delay):
			}
		}

		resp, statusCode, callErr := c.post(ctx, url, body)
		if callErr == nil && statusCode == http.StatusOK {
			if resp.Success || resp.NoResults {
				return resp, nil
			}
			// Application-level failure: permanent, never retried.
			return resp, errcode.New(errcode.CodeAgentRejected,
				"agent rejected %s: %s", req.Tool, resp.Error)
		}

		if callErr == nil {
			callErr = fmt.Errorf("agent returned HTTP %d", statusCode)
		}
		if !c.policy.Retryable(statusCode, nil) && statusCode != 0 {
			return nil, errcode.Wrap(errcode.CodeAgentRejected, callErr,
				"agent rejected %s", req.Tool)
		}
		lastErr = callErr
	}

	return nil, errcode.Wrap(errcode.CodeAgentUnavailable, lastErr,
		"agent unavailable after %d attempts", c.policy.MaxAttempts)
}

// post performs one HTTP attempt. A zero status code means the request never
// reached the agent.
func (c *Client) post(ctx context.Context, url string, body []byte) (*Response, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %w", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, httpResp.StatusCode, nil
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("parse agent response: %w", err)
	}
	return &resp, httpResp.StatusCode, nil
}
