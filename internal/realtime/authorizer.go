package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/lmst/attendance-admin-client/internal/authapi"
)

// Authorizer signs a private channel subscription for one socket.
type Authorizer interface {
	Authorize(ctx context.Context, socketID, channel string) (string, error)
}

// FormPoster is satisfied by the request gateway.
type FormPoster interface {
	PostForm(ctx context.Context, path string, form url.Values, out any) error
}

type authResponse struct {
	Auth string `json:"auth"`
}

var errEmptyAuth = errors.New("broadcast auth returned no signature")

func authForm(socketID, channel string) url.Values {
	return url.Values{"socket_id": {socketID}, "channel_name": {channel}}
}

// GatewayAuthorizer asks the broadcast auth endpoint through the request
// gateway, so an expired session renews like any other call.
type GatewayAuthorizer struct {
	poster   FormPoster
	endpoint string
}

func NewGatewayAuthorizer(poster FormPoster, endpoint string) *GatewayAuthorizer {
	return &GatewayAuthorizer{poster: poster, endpoint: endpoint}
}

func (a *GatewayAuthorizer) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	var res authResponse
	if err := a.poster.PostForm(ctx, a.endpoint, authForm(socketID, channel), &res); err != nil {
		return "", fmt.Errorf("authorize %s: %w", channel, err)
	}
	if res.Auth == "" {
		return "", errEmptyAuth
	}
	return res.Auth, nil
}

// TokenSourceAuthorizer posts with an oauth2 client over src. It suits
// callers that hold a token source but no gateway.
type TokenSourceAuthorizer struct {
	src      oauth2.TokenSource
	endpoint string
	base     *http.Client
}

func NewTokenSourceAuthorizer(src oauth2.TokenSource, endpoint string, base *http.Client) *TokenSourceAuthorizer {
	if base == nil {
		base = http.DefaultClient
	}
	return &TokenSourceAuthorizer{src: src, endpoint: endpoint, base: base}
}

func (a *TokenSourceAuthorizer) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, a.base), a.src)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(authForm(socketID, channel).Encode()))
	if err != nil {
		return "", fmt.Errorf("build broadcast auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("authorize %s: %w", channel, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read broadcast auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("authorize %s: %w", channel, authapi.ParseError(resp.StatusCode, body))
	}
	var res authResponse
	if err := decodeJSON(body, &res); err != nil {
		return "", fmt.Errorf("decode broadcast auth response: %w", err)
	}
	if res.Auth == "" {
		return "", errEmptyAuth
	}
	return res.Auth, nil
}
