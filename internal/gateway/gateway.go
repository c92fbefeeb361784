package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/lmst/attendance-admin-client/internal/toast"
)

const (
	DefaultTimeout = 20 * time.Second
	maxBodyBytes   = 4 << 20
)

// Credentials is the session view the gateway needs: a hydrated in-memory
// credential and a way to recover when the server rejects it.
type Credentials interface {
	Hydrate(ctx context.Context)
	CurrentCredential() string
	Renew(ctx context.Context, stale string) (*oauth2.Token, error)
}

// Call is one logical request. Body is buffered so a replay re-sends the
// identical payload.
type Call struct {
	Req     *http.Request
	Body    []byte
	Retried bool
	// SkipAuth sends the request without a bearer and disables recovery.
	SkipAuth bool
	// Credential is the bearer sent on the latest attempt.
	Credential string

	presetAuth bool
}

// Outcome is the result of one attempt as seen by post-hooks. Err is an
// *Error for any non-2xx response or transport failure.
type Outcome struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

type PreHook func(c *Call) error

type PostHook func(ctx context.Context, c *Call, out Outcome) Outcome

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Toasts     toast.Pusher
	Logger     *slog.Logger
	// PreHooks and PostHooks run after the built-in ones.
	PreHooks  []PreHook
	PostHooks []PostHook
}

type Gateway struct {
	baseURL string
	http    *http.Client
	creds   Credentials
	toasts  toast.Pusher
	logger  *slog.Logger
	pre     []PreHook
	post    []PostHook
}

func New(creds Credentials, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	g := &Gateway{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    client,
		creds:   creds,
		toasts:  opts.Toasts,
		logger:  opts.Logger,
	}
	g.pre = append([]PreHook{g.hydrate, g.bearer, defaultHeaders}, opts.PreHooks...)
	g.post = append([]PostHook{g.recoverAuth, g.surfaceFaults}, opts.PostHooks...)
	return g
}

// NewRequest builds a request for path relative to the API base URL.
// Absolute URLs are used as given.
func (g *Gateway) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = g.baseURL + "/" + strings.TrimLeft(path, "/")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	return req, nil
}

// Do sends req through the hook pipeline. A non-2xx answer is returned as
// an *Error alongside the outcome.
func (g *Gateway) Do(req *http.Request) (Outcome, error) {
	ctx := req.Context()
	call := &Call{
		Req:        req,
		SkipAuth:   skipAuth(ctx),
		presetAuth: req.Header.Get("Authorization") != "",
	}
	if req.Body != nil && req.Body != http.NoBody {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return Outcome{}, fmt.Errorf("buffer request body: %w", err)
		}
		call.Body = body
	}

	out := g.Send(ctx, call)
	for _, hook := range g.post {
		out = hook(ctx, call, out)
	}
	return out, out.Err
}

// Send runs the pre-hooks and performs one attempt of c. Post-hooks that
// replay a call use it.
func (g *Gateway) Send(ctx context.Context, c *Call) Outcome {
	for _, hook := range g.pre {
		if err := hook(c); err != nil {
			return Outcome{Err: newError(c, 0, nil, fmt.Errorf("prepare request: %w", err))}
		}
	}
	req := c.Req.Clone(ctx)
	if c.Body != nil {
		req.Body = io.NopCloser(bytes.NewReader(c.Body))
		req.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(c.Body)), nil }
		req.ContentLength = int64(len(c.Body))
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return Outcome{Err: newError(c, 0, nil, err)}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{StatusCode: resp.StatusCode, Header: resp.Header, Err: newError(c, resp.StatusCode, nil, fmt.Errorf("read response: %w", err))}
	}
	out := Outcome{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Err = newError(c, resp.StatusCode, body, nil)
	}
	return out
}

type skipAuthKey struct{}

// WithSkipAuth marks requests built from ctx as anonymous.
func WithSkipAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAuthKey{}, true)
}

func skipAuth(ctx context.Context) bool {
	v, _ := ctx.Value(skipAuthKey{}).(bool)
	return v
}

var errNoRequest = errors.New("call has no request")
