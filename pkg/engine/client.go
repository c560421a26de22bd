// Package engine implements the HTTP client the control plane uses to talk
// to the game engine running on each node: match lifecycle calls and module
// artifact distribution.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stormstack/controlplane/pkg/cperr"
	"github.com/stormstack/controlplane/pkg/types"
)

// Client calls a node's engine API. One client serves the whole fleet; the
// node address is passed per call because nodes come and go.
type Client struct {
	http  *http.Client
	token string
}

// CreateMatchRequest is the body of the engine's create-match call. The
// control plane mints the container and local match ids so the match row can
// exist (as CREATING) before the engine acknowledges.
type CreateMatchRequest struct {
	ContainerID  string   `json:"containerId"`
	LocalMatchID string   `json:"localMatchId"`
	Modules      []string `json:"modules"`
}

// CreateMatchResponse echoes the adopted local match id and returns the
// advertise endpoints for the new match.
type CreateMatchResponse struct {
	LocalMatchID string               `json:"localMatchId"`
	Endpoints    types.MatchEndpoints `json:"endpoints"`
}

// NewClient creates an engine client. connectTimeout bounds dialing,
// requestTimeout bounds whole calls; per-request contexts tighten further.
func NewClient(token string, connectTimeout, requestTimeout time.Duration) *Client {
	return &Client{
		token: token,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: connectTimeout,
				}).DialContext,
			},
		},
	}
}

// CreateMatch asks the engine at address to start a match inside the given
// container under the given local id.
func (c *Client) CreateMatch(ctx context.Context, address string, req CreateMatchRequest) (*CreateMatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, cperr.Internal.Wrap(err)
	}

	resp, err := c.do(ctx, http.MethodPost, address, "/engine/matches", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}

	var out CreateMatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, cperr.Upstream.New("engine returned malformed create response: %v", err)
	}
	if out.LocalMatchID != req.LocalMatchID {
		return nil, cperr.Upstream.New("engine adopted local match id %q, expected %q",
			out.LocalMatchID, req.LocalMatchID)
	}
	return &out, nil
}

// FinishMatch tells the engine to end a match gracefully.
func (c *Client) FinishMatch(ctx context.Context, address, containerID, localMatchID string) error {
	path := fmt.Sprintf("/engine/matches/%s/%s/finish", url.PathEscape(containerID), url.PathEscape(localMatchID))
	resp, err := c.do(ctx, http.MethodPost, address, path, "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, http.StatusOK, http.StatusNoContent)
}

// DeleteMatch tells the engine to tear a match down.
func (c *Client) DeleteMatch(ctx context.Context, address, containerID, localMatchID string) error {
	path := fmt.Sprintf("/engine/matches/%s/%s", url.PathEscape(containerID), url.PathEscape(localMatchID))
	resp, err := c.do(ctx, http.MethodDelete, address, path, "", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return checkStatus(resp, http.StatusOK, http.StatusNoContent)
}

// HasModule asks whether the engine already holds the artifact with the
// given content hash.
func (c *Client) HasModule(ctx context.Context, address, hash string) (bool, error) {
	resp, err := c.do(ctx, http.MethodGet, address, "/engine/modules/"+url.PathEscape(hash), "", nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

// DistributeModule pushes an artifact to the engine. Returns the HTTP status
// for failure logging alongside any error.
func (c *Client) DistributeModule(ctx context.Context, address string, meta *types.Module, artifact []byte) (int, error) {
	path := fmt.Sprintf("/engine/modules/%s/%s", url.PathEscape(meta.Name), url.PathEscape(meta.Version))
	req, err := c.newRequest(ctx, http.MethodPut, address, path, bytes.NewReader(artifact))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Module-Hash", meta.Hash)
	req.ContentLength = int64(len(artifact))

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, cperr.Upstream.New("engine push to %s failed: %v", address, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(resp)
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, address, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, address, path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cperr.Upstream.New("engine call %s %s%s failed: %v", method, address, path, err)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, address, path string, body io.Reader) (*http.Request, error) {
	base, err := url.Parse(address)
	if err != nil {
		return nil, cperr.Validation.New("node address %q is not a valid URL", address)
	}
	target := base.JoinPath(path).String()

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, cperr.Internal.Wrap(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func checkStatus(resp *http.Response, accepted ...int) error {
	for _, code := range accepted {
		if resp.StatusCode == code {
			return nil
		}
	}
	if resp.StatusCode == http.StatusNotFound {
		return cperr.NotFound.New("engine: %s", readMessage(resp))
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	return cperr.Upstream.New("engine returned %d: %s", resp.StatusCode, readMessage(resp))
}

func readMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return strconv.Itoa(resp.StatusCode) + " " + http.StatusText(resp.StatusCode)
	}
	return string(data)
}
