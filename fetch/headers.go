package fetch

import (
	"context"
	"net/http"
	"net/url"
	"runtime"
)

type dependencyTypeKey struct{}

// WithDependencyType attaches an ambient "dependency type" value to ctx
// (e.g. "dev", "override") for the header builder to pick up, as a
// plain task-local context value rather than process-wide mutable state.
func WithDependencyType(ctx context.Context, depType string) context.Context {
	return context.WithValue(ctx, dependencyTypeKey{}, depType)
}

// DependencyTypeFrom reads back the value set by WithDependencyType.
func DependencyTypeFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(dependencyTypeKey{}).(string)
	return v, ok
}

// buildHeaders constructs the header set for one request: the
// unconditional User-Agent, plus (when talking to the configured
// hosted origin, and only outside CI) the pub metadata headers spec
// §4.E describes.
func buildHeaders(ctx context.Context, c *HTTPConfig, rawURL string, extra http.Header) http.Header {
	h := make(http.Header, len(extra)+6)
	for k, vs := range extra {
		for _, v := range vs {
			h.Add(k, v)
		}
	}

	h.Set("User-Agent", c.UserAgent)

	if isHostedOrigin(rawURL, c.HostedOrigin) && !c.CI {
		h.Set("X-Pub-OS", runtime.GOOS)
		if c.CommandName != "" {
			h.Set("X-Pub-Command", c.CommandName)
		}
		h.Set("X-Pub-Session-ID", c.SessionID)
		if depType, ok := DependencyTypeFrom(ctx); ok && depType != "" {
			h.Set("X-Pub-Dependency-Type", depType)
		}
		if c.Environment != "" {
			h.Set("X-Pub-Environment", c.Environment)
		}
	}

	return h
}

func isHostedOrigin(rawURL, origin string) bool {
	if origin == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Hostname() == origin || u.Host == origin || u.Hostname() == stripScheme(origin)
}

func stripScheme(s string) string {
	if u, err := url.Parse(s); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return s
}
