package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lmst/attendance-admin-client/internal/domain"
)

const maxBodyBytes = 1 << 20

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the authentication endpoints directly. Its requests never
// go through the authorizing gateway, so a failing refresh cannot recurse.
type Client struct {
	baseURL string
	http    Doer
}

func NewClient(baseURL string, httpClient Doer) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Login(ctx context.Context, creds domain.Credentials) (*domain.SessionPayload, error) {
	body, err := c.do(ctx, http.MethodPost, "/login", "", creds)
	if err != nil {
		return nil, err
	}
	return decodeSession(body)
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*domain.SessionPayload, error) {
	body, err := c.do(ctx, http.MethodPost, "/refresh", "", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}
	return decodeSession(body)
}

func (c *Client) Me(ctx context.Context, accessToken string) (*domain.Profile, error) {
	body, err := c.do(ctx, http.MethodGet, "/me", accessToken, nil)
	if err != nil {
		return nil, err
	}
	var profile domain.Profile
	if err := json.Unmarshal(domain.UnwrapData(body), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	_, err := c.do(ctx, http.MethodPost, "/logout", accessToken, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path, bearer string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ParseError(resp.StatusCode, body)
	}
	return body, nil
}

func decodeSession(body []byte) (*domain.SessionPayload, error) {
	var payload domain.SessionPayload
	if err := json.Unmarshal(domain.UnwrapData(body), &payload); err != nil {
		return nil, fmt.Errorf("decode session payload: %w", err)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return nil, errors.New("session payload is missing tokens")
	}
	return &payload, nil
}
