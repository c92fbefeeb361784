package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/lmst/attendance-admin-client/internal/observability"
	"github.com/lmst/attendance-admin-client/internal/toast"
)

const FallbackFaultMessage = "Unexpected error while contacting the server"

func (g *Gateway) hydrate(c *Call) error {
	if c.Req == nil {
		return errNoRequest
	}
	g.creds.Hydrate(c.Req.Context())
	return nil
}

// bearer decorates the call with the current credential unless the caller
// supplied its own Authorization header or asked for an anonymous call.
func (g *Gateway) bearer(c *Call) error {
	if c.SkipAuth || c.presetAuth {
		return nil
	}
	c.Credential = g.creds.CurrentCredential()
	if c.Credential == "" {
		c.Req.Header.Del("Authorization")
		return nil
	}
	c.Req.Header.Set("Authorization", "Bearer "+c.Credential)
	return nil
}

func defaultHeaders(c *Call) error {
	h := c.Req.Header
	if h.Get("Accept") == "" {
		h.Set("Accept", "application/json")
	}
	if h.Get("X-Requested-With") == "" {
		h.Set("X-Requested-With", "XMLHttpRequest")
	}
	if len(c.Body) > 0 && h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	return nil
}

// recoverAuth replays a 401 once after the session renews. When renewal
// fails the session has already been torn down; the original failure is
// returned carrying the session error.
func (g *Gateway) recoverAuth(ctx context.Context, c *Call, out Outcome) Outcome {
	if out.StatusCode != http.StatusUnauthorized || c.SkipAuth || c.presetAuth {
		return out
	}
	if c.Retried {
		observability.RecordGatewayRetry(ctx, "rejected_after_replay")
		return out
	}
	c.Retried = true
	if _, err := g.creds.Renew(ctx, c.Credential); err != nil {
		observability.RecordGatewayRetry(ctx, "renew_failed")
		var gwErr *Error
		if errors.As(out.Err, &gwErr) {
			gwErr.Retried = true
			gwErr.Session = err
		}
		return out
	}
	observability.RecordGatewayRetry(ctx, "replayed")
	replay := g.Send(ctx, c)
	var gwErr *Error
	if errors.As(replay.Err, &gwErr) {
		gwErr.Retried = true
	}
	return replay
}

// surfaceFaults shows an error toast for transport failures and 5xx
// answers. 4xx answers are left to the caller.
func (g *Gateway) surfaceFaults(ctx context.Context, c *Call, out Outcome) Outcome {
	if out.Err == nil || errors.Is(out.Err, context.Canceled) {
		return out
	}
	kind := ""
	switch {
	case out.StatusCode == 0:
		kind = "transport"
	case out.StatusCode >= 500:
		kind = "server"
	default:
		return out
	}
	observability.RecordGatewayFault(ctx, kind)
	g.logger.WarnContext(ctx, "request failed", "method", c.Req.Method, "url", c.Req.URL.String(), "status", out.StatusCode, "error", out.Err)
	if g.toasts != nil {
		g.toasts.Push(toast.Toast{
			Variant: toast.VariantError,
			Title:   "Request failed",
			Message: ResolveMessage(out.Err, FallbackFaultMessage),
		})
	}
	return out
}
