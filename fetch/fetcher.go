// Package fetch implements the hosted-archive fetch pipeline: an
// authenticated, retrying, bounded-concurrency HTTP client that streams
// responses, enforces stall and size limits, validates CRC32C
// checksums, and produces user-actionable errors (spec §4.E).
package fetch

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// gate is the process-wide 16-slot concurrency limiter every fetch
// attempt is funneled through (spec §5). It is a package-level value
// rather than per-HTTPConfig because spec §5 describes one global gate
// shared across all network-bound work, not one per client instance.
// Matches cache.Cache's own bounded-download gate, built on the same
// semaphore.Weighted rather than a bare channel.
var gate = semaphore.NewWeighted(16)

func acquireGate(ctx context.Context) error {
	return gate.Acquire(ctx, 1)
}

func releaseGate() { gate.Release(1) }

// DecodeFunc consumes a response's body and headers and produces a
// value. It must be idempotent and must consume the whole stream (spec
// §4.E).
type DecodeFunc[T any] func(body io.Reader, header http.Header) (T, error)

// DecodeErrorFunc turns a non-2xx response body into an error, used for
// 4xx responses other than 406/429 (spec §4.E).
type DecodeErrorFunc func(body []byte, statusCode int) error

// Request describes one logical fetch; Fetch may issue it multiple
// times across retries.
type Request struct {
	URL     string
	Method  string // defaults to GET
	Headers http.Header

	// Body, if non-nil, is invoked once per attempt to produce a fresh
	// request body stream (spec §4.E "idempotent" body upload).
	Body func() (io.ReadCloser, error)

	MaxBytes int64 // 0 means unlimited

	DecodeError DecodeErrorFunc

	// NoFollowRedirects disables following redirects for this request;
	// publish flows set this to capture the Location header (spec §4.E).
	NoFollowRedirects bool

	// ValidateCRC32C, when true, validates the x-goog-hash crc32c
	// header against the streamed body (spec §4.E).
	ValidateCRC32C bool
}

// Fetch executes req against cfg, retrying per spec §4.E's policy, and
// decodes a successful response with decode. T is typically a parsed
// JSON struct; a caller that streams the body (e.g. into an archive
// extractor) does so inside decode, since the body is closed as soon
// as decode returns.
func Fetch[T any](ctx context.Context, cfg *HTTPConfig, req Request, decode DecodeFunc[T]) (T, error) {
	var zero T
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	host := hostOf(req.URL)
	client := clientFor(cfg, req.NoFollowRedirects)

	var lastErr error
	var retryAfter time.Duration
	haveRetryAfter := false

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, cfg.BaseDelay)
			if haveRetryAfter {
				delay = retryAfter
				haveRetryAfter = false
			}
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-cfg.Clock.After(delay):
			}

			cfg.breakers.warnOnceAfterThirdRetry(host, attempt, func() {
				cfg.warn("host appears down", map[string]any{"host": host, "url": req.URL, "attempt": attempt})
			})
		}

		if !cfg.breakers.ready(host) {
			return zero, &FetchError{URL: req.URL, Cause: fmt.Errorf("circuit breaker open for host %s", host)}
		}

		if err := acquireGate(ctx); err != nil {
			return zero, err
		}

		result, retryDur, retryable, err := attemptOnce(ctx, cfg, client, method, req, decode)
		releaseGate()
		cfg.breakers.record(host, boolErr(retryable, err))

		if err == nil {
			return result, nil
		}

		lastErr = err
		if retryDur > 0 {
			retryAfter = retryDur
			haveRetryAfter = true
		}

		if !retryable {
			return zero, err
		}
		cfg.debug("retrying fetch", map[string]any{"url": req.URL, "attempt": attempt, "err": err.Error()})
	}

	return zero, lastErr
}

// boolErr normalizes "only count this as a breaker failure if it was a
// genuine upstream failure" — a non-retryable 4xx (a bad request on our
// part) shouldn't trip the breaker the way repeated 5xx/timeouts should.
func boolErr(retryable bool, err error) error {
	if retryable {
		return err
	}
	return nil
}

func retryDelay(attempt int, base time.Duration) time.Duration {
	if attempt <= 3 {
		// attempts 0..2 use exponential backoff; spec indexes attempts
		// 0-based against "attempt" meaning the retry count here.
		n := attempt - 1
		if n < 0 {
			n = 0
		}
		d := time.Duration(float64(base) * math.Pow(1.5, float64(n)))
		jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
		return d + jitter
	}
	return 30 * time.Second
}

// attemptOnce performs exactly one HTTP round trip and classifies the
// outcome per spec §4.E's status mapping.
func attemptOnce[T any](ctx context.Context, cfg *HTTPConfig, client *http.Client, method string, req Request, decode DecodeFunc[T]) (result T, retryAfter time.Duration, retryable bool, err error) {
	var zero T

	var bodyReader io.ReadCloser
	if req.Body != nil {
		bodyReader, err = req.Body()
		if err != nil {
			return zero, 0, false, &FetchError{URL: req.URL, Cause: err}
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return zero, 0, false, &FetchError{URL: req.URL, Cause: err}
	}
	httpReq.Header = buildHeaders(ctx, cfg, req.URL, req.Headers)

	// Response-header arrival within 30s is enforced by the transport's
	// ResponseHeaderTimeout (see newDNSCachingTransport); a deadline on
	// the request context here would also cut off body streaming, which
	// spec §4.E governs separately via the stall monitor.
	resp, err := client.Do(httpReq)
	if err != nil {
		return zero, 0, true, &FetchError{URL: req.URL, Cause: err}
	}
	defer func() {
		if resp.Body != nil && err != nil {
			_ = resp.Body.Close()
		}
	}()

	if req.MaxBytes > 0 {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n > req.MaxBytes {
				_ = resp.Body.Close()
				return zero, 0, false, &FetchError{URL: req.URL, Cause: fmt.Errorf("content-length %d exceeds max %d", n, req.MaxBytes)}
			}
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, cleanup := wrapBody(resp, req)
		value, derr := decode(body, resp.Header)
		cleanup()
		_ = resp.Body.Close()
		if derr != nil {
			// An invalid-body decode error (FormatException-equivalent)
			// is retryable per spec §4.E, as are stall/checksum errors
			// surfaced through the wrapped reader.
			return zero, 0, true, &FetchError{URL: req.URL, Cause: derr}
		}
		return value, 0, false, nil

	case resp.StatusCode == http.StatusNotModified:
		body, cleanup := wrapBody(resp, req)
		value, derr := decode(body, resp.Header)
		cleanup()
		_ = resp.Body.Close()
		if derr != nil {
			return zero, 0, true, &FetchError{URL: req.URL, Cause: derr}
		}
		return value, 0, false, nil

	case resp.StatusCode == http.StatusNotAcceptable && isPubAccept(httpReq.Header.Get("Accept")):
		_ = resp.Body.Close()
		return zero, 0, false, &VersionMismatchError{URL: req.URL}

	case resp.StatusCode == http.StatusTooManyRequests:
		delay, hasDelay := parseRetryAfter(resp.Header.Get("Retry-After"))
		_ = resp.Body.Close()
		if hasDelay && delay > 30*time.Second {
			return zero, 0, false, &FetchErrorWithResponse{URL: req.URL, StatusCode: resp.StatusCode, Body: "rate limited for too long"}
		}
		if !hasDelay {
			delay = 0
		}
		return zero, delay, true, &FetchError{URL: req.URL, Cause: fmt.Errorf("rate limited (429)")}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		var decoded error
		if req.DecodeError != nil {
			decoded = req.DecodeError(data, resp.StatusCode)
		}
		return zero, 0, false, &FetchErrorWithResponse{URL: req.URL, StatusCode: resp.StatusCode, Decoded: decoded, Body: string(data)}

	case resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return zero, 0, true, &FetchError{URL: req.URL, Cause: fmt.Errorf("server error %d", resp.StatusCode)}

	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return zero, 0, false, &FetchErrorWithResponse{URL: req.URL, StatusCode: resp.StatusCode, Body: string(data)}
	}
}

func isPubAccept(accept string) bool {
	return accept == "application/vnd.pub.v2+json"
}

// wrapBody layers the stall monitor and (optionally) the CRC32C
// validator around the response body, in that order, so a stall is
// detected even if the checksum can never complete. The returned
// cleanup func stops the stall monitor's background ticker and must be
// called once decode has consumed the stream.
func wrapBody(resp *http.Response, req Request) (r io.Reader, cleanup func()) {
	stallReader := newStallMonitoringReader(resp.Body, resp.ContentLength)
	r = stallReader

	if req.ValidateCRC32C {
		if expected, ok := checksumFromResponse(resp); ok {
			r = newCRC32CValidatingReader(r, expected)
		}
	}

	return r, stallReader.Close
}

func parseRetryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

var clientMu sync.Mutex
var noRedirectClients = map[*http.Client]*http.Client{}

// clientFor returns cfg.Client, or a derived client with redirects
// disabled when the request asks for it (publish flows capturing
// Location, spec §4.E).
func clientFor(cfg *HTTPConfig, noFollow bool) *http.Client {
	if !noFollow {
		return cfg.Client
	}
	clientMu.Lock()
	defer clientMu.Unlock()
	if c, ok := noRedirectClients[cfg.Client]; ok {
		return c
	}
	derived := *cfg.Client
	derived.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	noRedirectClients[cfg.Client] = &derived
	return &derived
}

// GetJSON is a convenience wrapper for the common case: a GET request
// decoded as JSON into out.
func GetJSON[T any](ctx context.Context, cfg *HTTPConfig, url string) (T, error) {
	return Fetch(ctx, cfg, Request{URL: url}, decodeJSON[T])
}
