// Package keyring holds API credentials and signs request payloads.
package keyring

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoKey is returned when no enabled key is available.
var ErrNoKey = errors.New("no available API key")

type KeyRing struct {
	mu       sync.RWMutex
	keys     []*APIKey
	current  int
	strategy RotationStrategy
	logger   zerolog.Logger
}

type APIKey struct {
	ID         string
	Key        string
	Secret     string
	Disabled   bool
	LastUsed   time.Time
	ErrorCount int
}

// Sign returns the lowercase hex HMAC-SHA256 of payload under the key's secret.
func (k *APIKey) Sign(payload string) string {
	return Sign(k.Secret, payload)
}

func (k *APIKey) String() string {
	return fmt.Sprintf("APIKey{ID:%s, Key:%s}", k.ID, maskKey(k.Key))
}

type RotationStrategy int

const (
	// RotationNone keeps using the current key until it is disabled.
	RotationNone RotationStrategy = iota
	// RotationOnError moves to the next key after every reported error.
	RotationOnError
	// RotationOnAuthError moves on only after authentication failures.
	RotationOnAuthError
)

func NewKeyRing(keys []*APIKey, strategy RotationStrategy) *KeyRing {
	keysCopy := make([]*APIKey, 0, len(keys))
	for _, k := range keys {
		keysCopy = append(keysCopy, &APIKey{
			ID:         k.ID,
			Key:        k.Key,
			Secret:     k.Secret,
			Disabled:   k.Disabled,
			LastUsed:   k.LastUsed,
			ErrorCount: k.ErrorCount,
		})
	}

	return &KeyRing{
		keys:     keysCopy,
		strategy: strategy,
		logger:   zerolog.Nop(),
	}
}

// Single builds a ring holding one key pair.
func Single(apiKey, secret string) *KeyRing {
	return NewKeyRing([]*APIKey{{ID: "default", Key: apiKey, Secret: secret}}, RotationNone)
}

func (k *KeyRing) SetLogger(logger zerolog.Logger) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger = logger
}

func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// Current returns a copy of the first enabled key at or after the cursor.
func (k *KeyRing) Current() (APIKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	for i := range k.keys {
		idx := (k.current + i) % len(k.keys)
		if !k.keys[idx].Disabled {
			return *k.keys[idx], nil
		}
	}
	return APIKey{}, ErrNoKey
}

// Acquire returns the current key and records its use.
func (k *KeyRing) Acquire() (APIKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := range k.keys {
		idx := (k.current + i) % len(k.keys)
		if key := k.keys[idx]; !key.Disabled {
			k.current = idx
			key.LastUsed = time.Now()
			return *key, nil
		}
	}
	return APIKey{}, ErrNoKey
}

func (k *KeyRing) Rotate() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rotateLocked()
}

func (k *KeyRing) rotateLocked() {
	if len(k.keys) == 0 {
		return
	}

	start := k.current
	for {
		k.current = (k.current + 1) % len(k.keys)
		if !k.keys[k.current].Disabled || k.current == start {
			return
		}
	}
}

// OnError records a failure against the key with the given id and rotates
// according to the strategy.
func (k *KeyRing) OnError(id string, authFailure bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.keys {
		if key.ID != id {
			continue
		}
		key.ErrorCount++
		if k.strategy == RotationOnError || (k.strategy == RotationOnAuthError && authFailure) {
			k.rotateLocked()
			k.logger.Warn().
				Str("key", key.String()).
				Int("errors", key.ErrorCount).
				Msg("rotated api key after error")
		}
		return
	}
}

func (k *KeyRing) Disable(id string) {
	k.setDisabled(id, true)
}

func (k *KeyRing) Enable(id string) {
	k.setDisabled(id, false)
}

func (k *KeyRing) setDisabled(id string, disabled bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, key := range k.keys {
		if key.ID == id {
			key.Disabled = disabled
			if !disabled {
				key.ErrorCount = 0
			}
			return
		}
	}
}

func (k *KeyRing) Add(key *APIKey) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, existing := range k.keys {
		if existing.ID == key.ID {
			return
		}
	}

	k.keys = append(k.keys, &APIKey{
		ID:     key.ID,
		Key:    key.Key,
		Secret: key.Secret,
	})
}

func (k *KeyRing) Remove(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i, key := range k.keys {
		if key.ID == id {
			k.keys = append(k.keys[:i], k.keys[i+1:]...)
			if k.current >= len(k.keys) {
				k.current = 0
			}
			return
		}
	}
}

// Sign returns the lowercase hex HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
