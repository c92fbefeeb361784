package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lmst/attendance-admin-client/internal/domain"
)

// GetJSON fetches path with query and decodes the (possibly enveloped)
// body into out. A nil out discards the body.
func (g *Gateway) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := g.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return g.doJSON(req, out)
}

// PostJSON encodes in as the request body. A nil in sends no body.
func (g *Gateway) PostJSON(ctx context.Context, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = g.NewRequest(ctx, http.MethodPost, path, body)
	} else {
		req, err = g.NewRequest(ctx, http.MethodPost, path, nil)
	}
	if err != nil {
		return err
	}
	return g.doJSON(req, out)
}

// PostForm sends form url-encoded.
func (g *Gateway) PostForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := g.NewRequest(ctx, http.MethodPost, path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return g.doJSON(req, out)
}

func (g *Gateway) doJSON(req *http.Request, out any) error {
	res, err := g.Do(req)
	if err != nil {
		return err
	}
	if out == nil || len(res.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(domain.UnwrapData(res.Body), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
