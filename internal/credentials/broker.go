// Package credentials implements the Credential Broker: acquiring and
// caching upstream tokens for rules configured with UserLogin, AppLogin
// or StaticToken credentials, coalescing concurrent acquisitions for the
// same rule onto a single in-flight request.
package credentials

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jf990/resource-proxy/internal/ruleset"
)

// CredentialError wraps a failure to acquire a token. It is not cached:
// the failure is surfaced only to the caller(s) coalesced onto the
// triggering acquisition.
type CredentialError struct {
	RuleIndex int
	Err       error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credentials: rule %d: %v", e.RuleIndex, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

type cacheEntry struct {
	token     string
	expiresAt time.Time
}

func (e cacheEntry) valid(now time.Time) bool {
	return e.token != "" && (e.expiresAt.IsZero() || now.Before(e.expiresAt))
}

// Broker caches one token per rule index and uses a singleflight.Group
// keyed by rule index so concurrent misses for the same rule share one
// acquisition; other rules are unaffected.
type Broker struct {
	client *http.Client
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[int]cacheEntry

	// ProxyReferer is sent as the `referer` parameter on UserLogin token
	// requests, identifying this proxy to the upstream token service.
	ProxyReferer string

	now func() time.Time
}

// NewBroker builds a Broker that issues its acquisition requests through
// client. A nil client gets a default with a 30-second timeout.
func NewBroker(client *http.Client, proxyReferer string) *Broker {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Broker{
		client:       client,
		cache:        make(map[int]cacheEntry),
		ProxyReferer: proxyReferer,
		now:          time.Now,
	}
}

// GetToken returns a valid token for rule, or "" if the rule has no
// credentials configured (CredNone). It acquires a fresh token on cache
// miss or expiry, coalescing concurrent callers for the same rule index
// onto a single acquisition.
func (b *Broker) GetToken(ctx context.Context, rule *ruleset.ServiceRule) (string, error) {
	if rule.Credentials.Kind == ruleset.CredNone {
		return "", nil
	}

	if tok, ok := b.cached(rule.Index); ok {
		return tok, nil
	}

	key := strconv.Itoa(rule.Index)
	v, err, _ := b.group.Do(key, func() (interface{}, error) {
		entry, err := b.acquire(ctx, rule)
		if err != nil {
			return nil, &CredentialError{RuleIndex: rule.Index, Err: err}
		}
		b.store(rule.Index, entry)
		return entry.token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate clears the cached token for a rule. The Dispatcher calls
// this after an upstream 401/403/498/499 before retrying once with a
// freshly acquired token.
func (b *Broker) Invalidate(ruleIndex int) {
	b.mu.Lock()
	delete(b.cache, ruleIndex)
	b.mu.Unlock()
}

func (b *Broker) cached(ruleIndex int) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.cache[ruleIndex]
	if !ok || !entry.valid(b.now()) {
		return "", false
	}
	return entry.token, true
}

func (b *Broker) store(ruleIndex int, entry cacheEntry) {
	b.mu.Lock()
	b.cache[ruleIndex] = entry
	b.mu.Unlock()
}

func (b *Broker) acquire(ctx context.Context, rule *ruleset.ServiceRule) (cacheEntry, error) {
	switch rule.Credentials.Kind {
	case ruleset.CredStaticToken:
		return cacheEntry{token: rule.Credentials.AccessToken}, nil
	case ruleset.CredAppLogin:
		return b.acquireAppLogin(ctx, rule)
	case ruleset.CredUserLogin:
		return b.acquireUserLogin(ctx, rule)
	default:
		return cacheEntry{}, nil
	}
}
