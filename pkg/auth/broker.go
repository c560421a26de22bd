// Package auth brokers match tokens from the external auth service. The
// broker authenticates with a client-credentials service account and turns
// per-player token requests into tagged results: the caller gets either a
// token or a failure to attach, and decides itself whether the failure is
// fatal (match creation treats it as advisory).
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/stormstack/controlplane/pkg/config"
	"github.com/stormstack/controlplane/pkg/log"
	"github.com/stormstack/controlplane/pkg/metrics"
)

// MatchTokenRequest identifies the match and player a token is minted for,
// plus the grants the client asks the auth service for.
type MatchTokenRequest struct {
	MatchID     string   `json:"matchId"`
	ContainerID string   `json:"containerId"`
	PlayerID    string   `json:"playerId"`
	PlayerName  string   `json:"playerName,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
}

// MatchToken is a credential the auth service minted for one player in one
// match. Tokens are never cached; every request mints a fresh one.
type MatchToken struct {
	TokenID   string    `json:"tokenId"`
	MatchID   string    `json:"matchId"`
	PlayerID  string    `json:"playerId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Failure describes a token request the auth service rejected or that never
// reached it. HTTPStatus is what the API layer should relay.
type Failure struct {
	HTTPStatus int    `json:"httpStatus"`
	Message    string `json:"message"`
}

// MatchTokenResult is a tagged union: exactly one of Token and Failure is
// set.
type MatchTokenResult struct {
	Token   *MatchToken
	Failure *Failure
}

// Broker issues match tokens against the external auth service.
type Broker struct {
	cfg    config.AuthConfig
	http   *http.Client
	creds  clientcredentials.Config
	logger zerolog.Logger

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewBroker creates a broker. The service account token is fetched lazily on
// the first issue call and reused until it expires or is rejected.
func NewBroker(cfg config.AuthConfig, httpCfg config.HTTPConfig) *Broker {
	client := &http.Client{
		Timeout: httpCfg.RequestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: httpCfg.ConnectTimeout,
			}).DialContext,
		},
	}
	b := &Broker{
		cfg:    cfg,
		http:   client,
		logger: log.WithComponent("auth"),
		creds: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.ServiceURL + "/oauth/token",
		},
	}
	return b
}

// Enabled reports whether the control plane should request match tokens at
// all. With remote validation off, matches are created without tokens.
func (b *Broker) Enabled() bool {
	return b.cfg.RemoteValidation && b.cfg.ServiceURL != ""
}

// IssueMatchToken requests one match token. The result is always non-fatal
// for the caller: auth service timeouts and 5xx map to a 503 failure, other
// rejections carry the upstream status through.
func (b *Broker) IssueMatchToken(ctx context.Context, req MatchTokenRequest) MatchTokenResult {
	result := b.issue(ctx, req, true)
	if result.Token != nil {
		metrics.MatchTokensIssued.WithLabelValues("issued").Inc()
	} else {
		metrics.MatchTokensIssued.WithLabelValues("failed").Inc()
		b.logger.Warn().
			Str("match_id", req.MatchID).
			Str("player_id", req.PlayerID).
			Int("status", result.Failure.HTTPStatus).
			Str("reason", result.Failure.Message).
			Msg("match token request failed")
	}
	return result
}

func (b *Broker) issue(ctx context.Context, req MatchTokenRequest, retryAuth bool) MatchTokenResult {
	serviceToken, err := b.serviceToken(ctx)
	if err != nil {
		return unavailable("auth service credential unavailable: " + err.Error())
	}

	body, err := json.Marshal(req)
	if err != nil {
		return unavailable("encode token request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.cfg.ServiceURL+"/match-tokens", bytes.NewReader(body))
	if err != nil {
		return unavailable("build token request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+serviceToken.AccessToken)

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return unavailable("auth service unreachable: " + err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized && retryAuth:
		// The service credential was revoked or expired early; refetch once.
		b.invalidate()
		return b.issue(ctx, req, false)
	case resp.StatusCode >= 500:
		return unavailable("auth service returned " + resp.Status)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return MatchTokenResult{Failure: &Failure{
			HTTPStatus: resp.StatusCode,
			Message:    readBody(resp),
		}}
	}

	var token MatchToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return unavailable("auth service returned malformed token: " + err.Error())
	}
	return MatchTokenResult{Token: &token}
}

// serviceToken returns the cached service-account token, fetching a fresh
// one through the client-credentials grant when needed.
func (b *Broker) serviceToken(ctx context.Context) (*oauth2.Token, error) {
	b.mu.Lock()
	if b.source == nil {
		base := context.WithValue(context.Background(), oauth2.HTTPClient, b.http)
		b.source = b.creds.TokenSource(base)
	}
	source := b.source
	b.mu.Unlock()

	type fetched struct {
		token *oauth2.Token
		err   error
	}
	done := make(chan fetched, 1)
	go func() {
		token, err := source.Token()
		done <- fetched{token, err}
	}()
	select {
	case f := <-done:
		return f.token, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// invalidate drops the cached token source so the next call performs a
// fresh client-credentials exchange.
func (b *Broker) invalidate() {
	b.mu.Lock()
	b.source = nil
	b.mu.Unlock()
}

func unavailable(message string) MatchTokenResult {
	return MatchTokenResult{Failure: &Failure{
		HTTPStatus: http.StatusServiceUnavailable,
		Message:    message,
	}}
}

func readBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	return string(data)
}
