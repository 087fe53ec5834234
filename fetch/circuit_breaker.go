package fetch

import (
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
)

// hostBreakers tracks one circuit breaker per upstream host: it gates
// whether an attempt is even made, while the "after the third retry,
// emit a one-time warning" rule is tracked separately in warnedHosts
// since it fires well before the breaker's 5-failure trip threshold.
type hostBreakers struct {
	mu          sync.RWMutex
	breakers    map[string]*circuit.Breaker
	warnedHosts map[string]bool
	warnedMu    sync.Mutex
}

func newHostBreakers() *hostBreakers {
	return &hostBreakers{
		breakers:    make(map[string]*circuit.Breaker),
		warnedHosts: make(map[string]bool),
	}
}

func (b *hostBreakers) get(host string) *circuit.Breaker {
	b.mu.RLock()
	br, ok := b.breakers[host]
	b.mu.RUnlock()
	if ok {
		return br
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.breakers[host]; ok {
		return br
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	br = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	b.breakers[host] = br
	return br
}

// ready reports whether host's breaker currently allows an attempt.
func (b *hostBreakers) ready(host string) bool {
	return b.get(host).Ready()
}

// record feeds one attempt's outcome into host's breaker.
func (b *hostBreakers) record(host string, err error) {
	br := b.get(host)
	if err == nil {
		br.Success()
	} else {
		br.Fail()
	}
}

// warnOnceAfterThirdRetry logs "host appears down" the first time a
// given host crosses its third retry within this HTTPConfig's lifetime
// (spec §4.E), and never again for that host.
func (b *hostBreakers) warnOnceAfterThirdRetry(host string, retryCount int, warn func()) {
	if retryCount < 3 {
		return
	}
	b.warnedMu.Lock()
	defer b.warnedMu.Unlock()
	if b.warnedHosts[host] {
		return
	}
	b.warnedHosts[host] = true
	warn()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// States returns the current open/closed state of every breaker seen
// so far, for health-check reporting.
func (b *hostBreakers) States() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.breakers))
	for host, br := range b.breakers {
		if br.Tripped() {
			out[host] = "open"
		} else {
			out[host] = "closed"
		}
	}
	return out
}
