// Package session owns the current credential and reacts to authentication expiry.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/crypto"
	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/kv"
	"github.com/kimhsiao/fieldsync/internal/logging"
)

// DefaultKey is the store key holding the sealed session record.
const DefaultKey = "@session_token"

const sealPurpose = "session-token"

// record is what gets sealed into the store.
type record struct {
	Token    string    `json:"token"`
	Owner    string    `json:"owner"`
	SignedIn time.Time `json:"signedIn"`
}

// Session holds the bearer token and the identity queued actions are tagged with.
type Session struct {
	mu        sync.RWMutex
	store     kv.Store
	key       string
	machineID string
	current   record

	hookMu sync.Mutex
	hooks  map[int]func()
	nextID int
}

// New creates a signed-out session persisted under key.
func New(store kv.Store, key, machineID string) *Session {
	if key == "" {
		key = DefaultKey
	}
	return &Session{
		store:     store,
		key:       key,
		machineID: machineID,
		hooks:     make(map[int]func()),
	}
}

// Load restores a persisted session. An unreadable record is discarded and the
// session stays signed out.
func (s *Session) Load(ctx context.Context) error {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "load session", err)
	}
	if !ok || raw == "" {
		return nil
	}

	plain, err := crypto.OpenString(raw, s.machineID, sealPurpose)
	if err != nil {
		logging.Warn("Discarding unreadable session record", map[string]interface{}{"error": err.Error()})
		_ = s.store.Remove(ctx, s.key)
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "open session", err)
	}

	var rec record
	if err := json.Unmarshal([]byte(plain), &rec); err != nil {
		_ = s.store.Remove(ctx, s.key)
		return apperrors.Wrap(apperrors.ErrStorage, "decode session", err)
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()
	return nil
}

// Token returns the bearer token, empty when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Token
}

// Owner returns the signed-in identity, empty when signed out.
func (s *Session) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Owner
}

// SignedIn reports whether a token is present.
func (s *Session) SignedIn() bool {
	return s.Token() != ""
}

// SignIn stores token and owner, sealed, and makes them current.
func (s *Session) SignIn(ctx context.Context, token, owner string) error {
	if token == "" {
		return apperrors.New(apperrors.ErrInvalid, "token is required")
	}
	rec := record{Token: token, Owner: owner, SignedIn: time.Now().UTC()}

	plain, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode session", err)
	}
	sealed, err := crypto.SealString(string(plain), s.machineID, sealPurpose)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "seal session", err)
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()

	if err := s.store.Set(ctx, s.key, sealed); err != nil {
		logging.Warn("Failed to persist session, keeping it in memory", map[string]interface{}{"error": err.Error()})
		return apperrors.Wrap(apperrors.ErrStorage, "persist session", err)
	}

	logging.Info("Signed in", map[string]interface{}{"owner": owner})
	return nil
}

// Logout clears the credential. Queued actions are left alone.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	owner := s.current.Owner
	s.current = record{}
	s.mu.Unlock()

	logging.Info("Signed out", map[string]interface{}{"owner": owner})
	if err := s.store.Remove(ctx, s.key); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "remove session", err)
	}
	return nil
}

// Expire handles a 401 from the backend: it signs out and notifies OnExpired hooks.
// Nothing happens when already signed out.
func (s *Session) Expire(ctx context.Context) {
	if !s.SignedIn() {
		return
	}
	logging.Warn("Session expired, signing out", map[string]interface{}{"owner": s.Owner()})
	if err := s.Logout(ctx); err != nil {
		logging.Warn("Failed to clear expired session", map[string]interface{}{"error": err.Error()})
	}

	s.hookMu.Lock()
	hooks := make([]func(), 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h)
	}
	s.hookMu.Unlock()

	for _, h := range hooks {
		h()
	}
}

// OnExpired registers fn to run after Expire signs out.
func (s *Session) OnExpired(fn func()) func() {
	s.hookMu.Lock()
	s.nextID++
	id := s.nextID
	s.hooks[id] = fn
	s.hookMu.Unlock()

	return func() {
		s.hookMu.Lock()
		delete(s.hooks, id)
		s.hookMu.Unlock()
	}
}
