package keycloak

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCallbackStateTTL bounds how long an in-flight authorization attempt
// stays valid before its callback is no longer correlatable.
const DefaultCallbackStateTTL = time.Hour

// CallbackState is the ephemeral record of one in-flight authorization
// attempt, keyed by the state correlation id.
type CallbackState struct {
	State            string
	Nonce            string
	PKCECodeVerifier string
	Prompt           string
	// RedirectURI is stored percent-encoded, matching how it was sent on the
	// authorization request.
	RedirectURI string
}

// CallbackStateStore keeps in-flight authorization attempts until their
// callback arrives or the TTL lapses. Eviction is lazy: expired entries are
// dropped on the next store access, never by a background goroutine. Entries
// are deleted on first successful lookup so a state value cannot be replayed.
type CallbackStateStore struct {
	cache *gocache.Cache
	ttl   time.Duration
}

// NewCallbackStateStore constructs a store with the given TTL, falling back
// to DefaultCallbackStateTTL when ttl is not positive.
func NewCallbackStateStore(ttl time.Duration) *CallbackStateStore {
	if ttl <= 0 {
		ttl = DefaultCallbackStateTTL
	}
	// Cleanup interval 0 disables the janitor; expiry is checked on access.
	return &CallbackStateStore{cache: gocache.New(ttl, 0), ttl: ttl}
}

// Add inserts an attempt, evicting expired entries first.
func (s *CallbackStateStore) Add(cs CallbackState) {
	s.cache.DeleteExpired()
	s.cache.Set(cs.State, cs, s.ttl)
}

// Consume returns the attempt for a state id and removes it, or reports
// false when the state is unknown or expired.
func (s *CallbackStateStore) Consume(state string) (CallbackState, bool) {
	s.cache.DeleteExpired()
	v, ok := s.cache.Get(state)
	if !ok {
		return CallbackState{}, false
	}
	s.cache.Delete(state)
	return v.(CallbackState), true
}
