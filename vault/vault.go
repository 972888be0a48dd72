// Package vault substitutes detected credentials with opaque placeholders
// and holds the originals under authenticated encryption, scoped to the
// connection that supplied them.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mcproxy.dev/mcproxy/common"
	"mcproxy.dev/mcproxy/events"
)

// PlaceholderPrefix is the frozen wire prefix of every placeholder.
const PlaceholderPrefix = "MCPROXY_KEY_"

// Pattern matches a placeholder embedded anywhere in a string.
var Pattern = regexp.MustCompile(`MCPROXY_KEY_[A-F0-9]{32}`)

var exactPattern = regexp.MustCompile(`^MCPROXY_KEY_[A-F0-9]{32}$`)

// ErrCapacityExceeded is returned by Store when a connection already owns
// the configured maximum number of distinct placeholders.
var ErrCapacityExceeded = errors.New("vault: per-connection key capacity exceeded")

const (
	// DefaultTTL is how long a stored secret stays retrievable.
	DefaultTTL = time.Hour

	// DefaultMaxKeysPerConnection caps distinct placeholders per connection.
	DefaultMaxKeysPerConnection = 100

	sweepInterval = 60 * time.Second
)

// Config controls vault behavior.
type Config struct {
	// Encryption selects AEAD storage of originals. When false the
	// plaintext is held in memory directly.
	Encryption bool

	// TTL after which a stored secret expires. Zero means DefaultTTL.
	TTL time.Duration

	// MaxKeysPerConnection caps distinct placeholders per connection.
	// Zero means DefaultMaxKeysPerConnection.
	MaxKeysPerConnection int

	// Secret is the process secret the AEAD key is derived from. When
	// empty, the MCPROXY_VAULT_SECRET environment variable is used, and a
	// random per-process secret is generated when that too is unset.
	Secret []byte
}

type record struct {
	placeholder  string
	connID       string
	secretType   string
	nonce        []byte
	ciphertext   []byte
	plaintext    []byte // only when encryption is disabled
	createdAt    time.Time
	lastAccessed time.Time
}

func (r *record) wipe() {
	zeroize(r.nonce)
	zeroize(r.ciphertext)
	zeroize(r.plaintext)
}

// Vault is the process-wide placeholder store. All mutations and
// retrievals are serialized under one mutex; per-connection scoping is
// enforced on every retrieval.
type Vault struct {
	m   sync.Mutex
	cfg Config

	sealer *sealer
	key    []byte

	byPlaceholder map[string]*record
	byFingerprint map[string]string
	byConn        map[string]map[string]struct{}

	sink events.Sink

	done   chan struct{}
	closed common.AtomicBool
	wg     sync.WaitGroup
}

// New derives the AEAD key and starts the background TTL sweep. Key
// derivation failure is fatal to the caller.
func New(cfg Config, sink events.Sink) (*Vault, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxKeysPerConnection <= 0 {
		cfg.MaxKeysPerConnection = DefaultMaxKeysPerConnection
	}
	if sink == nil {
		sink = events.Discard{}
	}
	v := &Vault{
		cfg:           cfg,
		byPlaceholder: make(map[string]*record),
		byFingerprint: make(map[string]string),
		byConn:        make(map[string]map[string]struct{}),
		sink:          sink,
		done:          make(chan struct{}),
	}
	if cfg.Encryption {
		secret := cfg.Secret
		if len(secret) == 0 {
			if env := os.Getenv(common.VaultSecretEnvVar); env != "" {
				secret = []byte(env)
			} else {
				secret = make([]byte, 32)
				if _, err := rand.Read(secret); err != nil {
					return nil, fmt.Errorf("vault: process secret: %v", err)
				}
				logrus.Debug("vault: generated random process secret")
			}
		}
		key, err := deriveKey(secret)
		if err != nil {
			return nil, err
		}
		v.key = key
		v.sealer, err = newSealer(key)
		if err != nil {
			return nil, err
		}
	}
	v.wg.Add(1)
	go v.sweeper()
	return v, nil
}

func (v *Vault) sweeper() {
	defer v.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := v.Sweep(time.Now())
			if n > 0 {
				logrus.Debugf("vault: swept %d expired records", n)
			}
		case <-v.done:
			return
		}
	}
}

// Sweep removes records older than the TTL. It returns the count removed.
func (v *Vault) Sweep(now time.Time) int {
	v.m.Lock()
	defer v.m.Unlock()
	var removed int
	for p, rec := range v.byPlaceholder {
		if now.Sub(rec.createdAt) > v.cfg.TTL {
			v.removeLocked(p)
			removed++
		}
	}
	return removed
}

func fingerprint(connID, secret string) string {
	sum := sha256.Sum256([]byte(connID + "\x00" + secret))
	return hex.EncodeToString(sum[:])
}

func mintPlaceholder() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("vault: placeholder: %v", err)
	}
	return PlaceholderPrefix + fmt.Sprintf("%X", raw), nil
}

// Store saves secret for connID and returns its placeholder. Storing the
// same secret twice under one connection returns the existing placeholder.
func (v *Vault) Store(secret, connID, secretType string) (string, error) {
	v.m.Lock()
	defer v.m.Unlock()

	fp := fingerprint(connID, secret)
	if p, ok := v.byFingerprint[fp]; ok {
		if rec, ok := v.byPlaceholder[p]; ok {
			rec.lastAccessed = time.Now()
			return p, nil
		}
	}

	owned := v.byConn[connID]
	if len(owned) >= v.cfg.MaxKeysPerConnection {
		return "", ErrCapacityExceeded
	}

	placeholder, err := mintPlaceholder()
	if err != nil {
		return "", err
	}
	rec := &record{
		placeholder:  placeholder,
		connID:       connID,
		secretType:   secretType,
		createdAt:    time.Now(),
		lastAccessed: time.Now(),
	}
	if v.sealer != nil {
		rec.nonce, rec.ciphertext, err = v.sealer.seal([]byte(secret))
		if err != nil {
			return "", err
		}
	} else {
		rec.plaintext = []byte(secret)
	}

	v.byPlaceholder[placeholder] = rec
	v.byFingerprint[fp] = placeholder
	if owned == nil {
		owned = make(map[string]struct{})
		v.byConn[connID] = owned
	}
	owned[placeholder] = struct{}{}
	return placeholder, nil
}

// Retrieve returns the original secret for placeholder if connID owns it
// and the record is alive. It fails closed on unknown placeholders, wrong
// owners, expired records, and decryption errors.
func (v *Vault) Retrieve(placeholder, connID string) (string, bool) {
	v.m.Lock()
	defer v.m.Unlock()

	rec, ok := v.byPlaceholder[placeholder]
	if !ok {
		return "", false
	}
	if time.Since(rec.createdAt) > v.cfg.TTL {
		v.removeLocked(placeholder)
		return "", false
	}
	if rec.connID != connID {
		v.sink.Emit(events.New(events.UnauthorizedVaultAccess, connID, map[string]any{
			"placeholder": placeholder,
			"owner":       rec.connID,
		}))
		logrus.Warnf("vault: connection %s attempted to read placeholder owned by %s", connID, rec.connID)
		return "", false
	}
	rec.lastAccessed = time.Now()
	if v.sealer == nil {
		return string(rec.plaintext), true
	}
	plaintext, err := v.sealer.open(rec.nonce, rec.ciphertext)
	if err != nil {
		logrus.Errorf("vault: decrypt failed for %s: %v", placeholder, err)
		return "", false
	}
	return string(plaintext), true
}

// Remove deletes a single placeholder.
func (v *Vault) Remove(placeholder string) {
	v.m.Lock()
	defer v.m.Unlock()
	v.removeLocked(placeholder)
}

// +checklocks:v.m
func (v *Vault) removeLocked(placeholder string) {
	rec, ok := v.byPlaceholder[placeholder]
	if !ok {
		return
	}
	rec.wipe()
	delete(v.byPlaceholder, placeholder)
	if owned, ok := v.byConn[rec.connID]; ok {
		delete(owned, placeholder)
		if len(owned) == 0 {
			delete(v.byConn, rec.connID)
		}
	}
	for fp, p := range v.byFingerprint {
		if p == placeholder {
			delete(v.byFingerprint, fp)
			break
		}
	}
}

// RemoveAll deletes every record owned by connID. Called at connection
// teardown.
func (v *Vault) RemoveAll(connID string) {
	v.m.Lock()
	defer v.m.Unlock()
	for p := range v.byConn[connID] {
		v.removeLocked(p)
	}
}

// Count returns the number of live records owned by connID.
func (v *Vault) Count(connID string) int {
	v.m.Lock()
	defer v.m.Unlock()
	return len(v.byConn[connID])
}

// IsPlaceholder reports whether s is, in its entirety, a placeholder.
func IsPlaceholder(s string) bool {
	return exactPattern.MatchString(s)
}

// Close stops the sweeper and zeroizes every record and the derived key.
func (v *Vault) Close() {
	if v.closed.IsSet() {
		return
	}
	v.closed.SetTrue()
	close(v.done)
	v.wg.Wait()

	v.m.Lock()
	defer v.m.Unlock()
	for _, rec := range v.byPlaceholder {
		rec.wipe()
	}
	v.byPlaceholder = make(map[string]*record)
	v.byFingerprint = make(map[string]string)
	v.byConn = make(map[string]map[string]struct{})
	zeroize(v.key)
}
