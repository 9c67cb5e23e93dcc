package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/workspace/session-coordinator/internal/auth"
	"github.com/workspace/session-coordinator/internal/callbackretry"
)

// WarmRequest asks the provisioner to prepare a snapshot for a session ahead
// of the first prompt.
type WarmRequest struct {
	SessionID string `json:"sessionId"`
	RepoOwner string `json:"repoOwner,omitempty"`
	RepoName  string `json:"repoName,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// WarmResponse identifies the prepared snapshot.
type WarmResponse struct {
	SnapshotID string `json:"snapshotId,omitempty"`
}

// CreateRequest asks the provisioner to start a sandbox for a session.
type CreateRequest struct {
	SessionID  string `json:"sessionId"`
	RepoOwner  string `json:"repoOwner,omitempty"`
	RepoName   string `json:"repoName,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Model      string `json:"model,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

// CreateResponse is the provisioner's handle for the new sandbox.
type CreateResponse struct {
	SandboxID string `json:"sandboxId"`
	Status    string `json:"status,omitempty"`
}

// Provisioner creates and warms sandboxes. Readiness is reported back
// asynchronously through the sandbox status callback.
type Provisioner interface {
	Warm(ctx context.Context, req WarmRequest) (WarmResponse, error)
	Create(ctx context.Context, req CreateRequest) (CreateResponse, error)
}

// HTTPProvisioner calls a provisioning service over HTTP, authenticating with
// an internal bearer token.
type HTTPProvisioner struct {
	baseURL string
	secret  string
	client  *http.Client
	retry   callbackretry.Config
	now     func() time.Time
}

// NewHTTPProvisioner returns a provisioner for the service at baseURL.
func NewHTTPProvisioner(baseURL, secret string, timeout time.Duration, retry callbackretry.Config) *HTTPProvisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvisioner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
		retry:   retry,
		now:     time.Now,
	}
}

// Warm implements Provisioner.
func (p *HTTPProvisioner) Warm(ctx context.Context, req WarmRequest) (WarmResponse, error) {
	var resp WarmResponse
	err := p.post(ctx, "warm-sandbox", "/sandboxes/warm", req, &resp)
	return resp, err
}

// Create implements Provisioner.
func (p *HTTPProvisioner) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	var resp CreateResponse
	if err := p.post(ctx, "create-sandbox", "/sandboxes", req, &resp); err != nil {
		return CreateResponse{}, err
	}
	if resp.SandboxID == "" {
		return CreateResponse{}, fmt.Errorf("create-sandbox: response has no sandboxId")
	}
	return resp, nil
}

func (p *HTTPProvisioner) post(ctx context.Context, operation, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", operation, err)
	}

	return callbackretry.Do(ctx, p.retry, operation, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return callbackretry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+auth.GenerateInternalToken(p.secret, p.now()))

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := callbackretry.CheckResponse(operation, resp); err != nil {
			return err
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return callbackretry.Permanent(fmt.Errorf("%s: decode response: %w", operation, err))
		}
		return nil
	})
}
