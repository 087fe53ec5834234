package fetch

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/rs/dnscache"
)

// HTTPConfig gathers everything the fetch pipeline needs, constructed
// once by the caller (the entrypoint coordinator) and passed down: an
// explicit value in place of a module-level mutable client, retry
// count, and session id.
type HTTPConfig struct {
	Client *http.Client

	UserAgent   string
	MaxRetries  int
	BaseDelay   time.Duration
	SessionID   string
	CommandName string
	HostedOrigin string // host whose requests get metadata headers, e.g. "pub.dev"
	CI          bool
	Environment string // PUB_ENVIRONMENT

	Logger Logger

	// Clock is the source of time the retry backoff sleeps against.
	// Tests substitute clock.NewMock() to drive retries without real
	// delay; production uses the real clock.
	Clock clock.Clock

	breakers *hostBreakers
	resolver *dnscache.Resolver
}

// Logger is the minimal diagnostic-logging seam fetch and solver accept
// (spec.md names terminal logging as an external collaborator; this is
// internal diagnostic logging only). Modeled on ipm/pkg/log's
// (message, fields) shape (other_examples/JoerKul-ipm__solver.go). The
// zero value (nil) is a valid no-op logger.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
}

func (c *HTTPConfig) debug(msg string, fields map[string]any) {
	if c.Logger != nil {
		c.Logger.Debug(msg, fields)
	}
}

func (c *HTTPConfig) warn(msg string, fields map[string]any) {
	if c.Logger != nil {
		c.Logger.Warn(msg, fields)
	}
}

// NewHTTPConfig builds the default HTTPConfig: a DNS-caching transport,
// PUB_MAX_HTTP_RETRIES
// read from the environment (default 8), CI detected from the CI
// environment variable, and a fresh per-process session id.
func NewHTTPConfig(opts ...Option) *HTTPConfig {
	resolver := &dnscache.Resolver{}

	dialer := &netDialer{timeout: 30 * time.Second, keepAlive: 30 * time.Second}

	c := &HTTPConfig{
		Client: &http.Client{
			Transport: newDNSCachingTransport(resolver, dialer),
		},
		UserAgent:    "pub/0.1 (+https://pub.dev)",
		MaxRetries:   maxRetriesFromEnv(),
		BaseDelay:    500 * time.Millisecond,
		SessionID:    uuid.NewString(),
		HostedOrigin: hostedOriginFromEnv(),
		CI:           ciFromEnv(),
		Environment:  os.Getenv("PUB_ENVIRONMENT"),
		Clock:        clock.New(),
		breakers:     newHostBreakers(),
		resolver:     resolver,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures an HTTPConfig, following the functional option
// pattern used throughout this module.
type Option func(*HTTPConfig)

func WithUserAgent(ua string) Option { return func(c *HTTPConfig) { c.UserAgent = ua } }

func WithMaxRetries(n int) Option { return func(c *HTTPConfig) { c.MaxRetries = n } }

func WithHTTPClient(hc *http.Client) Option { return func(c *HTTPConfig) { c.Client = hc } }

func WithLogger(l Logger) Option { return func(c *HTTPConfig) { c.Logger = l } }

func WithCommandName(name string) Option { return func(c *HTTPConfig) { c.CommandName = name } }

func WithHostedOrigin(origin string) Option { return func(c *HTTPConfig) { c.HostedOrigin = origin } }

func WithClock(cl clock.Clock) Option { return func(c *HTTPConfig) { c.Clock = cl } }

func maxRetriesFromEnv() int {
	if v := os.Getenv("PUB_MAX_HTTP_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 8
}

func hostedOriginFromEnv() string {
	if v := os.Getenv("PUB_HOSTED_URL"); v != "" {
		return v
	}
	return "pub.dev"
}

func ciFromEnv() bool {
	v := os.Getenv("CI")
	return v != "" && v != "0" && v != "false"
}
