package providers

import (
	"errors"
	"sync"
	"time"
)

// ErrNoCredentials means every configured key is cooling down or none exist.
var ErrNoCredentials = errors.New("providers: no usable credentials")

// Keyring rotates through API keys. A key that triggers an auth error is put
// on cooldown so the next call moves to the next credential instead of
// hammering a dead key.
type Keyring struct {
	mu       sync.Mutex
	keys     []string
	next     int
	cooldown time.Duration
	benched  map[string]time.Time // key -> cooldown expiry
	now      func() time.Time
}

// NewKeyring creates a rotation ring over keys with the given auth-error
// cooldown (default 5 minutes when zero).
func NewKeyring(keys []string, cooldown time.Duration) *Keyring {
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Keyring{
		keys:     append([]string(nil), keys...),
		cooldown: cooldown,
		benched:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// Pick returns the next usable key, round-robin, skipping keys on cooldown.
func (k *Keyring) Pick() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) == 0 {
		return "", ErrNoCredentials
	}
	now := k.now()
	for i := 0; i < len(k.keys); i++ {
		key := k.keys[k.next]
		k.next = (k.next + 1) % len(k.keys)
		if expiry, bad := k.benched[key]; bad {
			if now.Before(expiry) {
				continue
			}
			delete(k.benched, key)
		}
		return key, nil
	}
	return "", ErrNoCredentials
}

// Bench puts a key on cooldown after an auth failure.
func (k *Keyring) Bench(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.benched[key] = k.now().Add(k.cooldown)
}

// Usable reports how many keys are currently not on cooldown.
func (k *Keyring) Usable() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for _, key := range k.keys {
		if expiry, bad := k.benched[key]; !bad || !now.Before(expiry) {
			n++
		}
	}
	return n
}
