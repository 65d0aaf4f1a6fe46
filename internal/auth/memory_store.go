package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Digest returns the hex sha256 of a bearer token. Only digests are kept in
// memory so a heap dump does not leak operator tokens.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps operator tokens keyed by digest.
type MemoryStore struct {
	mu       sync.RWMutex
	byDigest map[string]*Subject
}

// NewMemoryStore initialises the store with the provided tokens.
func NewMemoryStore(tokens []Token) (*MemoryStore, error) {
	store := &MemoryStore{byDigest: make(map[string]*Subject)}
	for _, tok := range tokens {
		if err := store.Put(tok); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Put adds or replaces a token.
func (s *MemoryStore) Put(tok Token) error {
	name := strings.TrimSpace(tok.Subject)
	if name == "" || strings.TrimSpace(tok.Token) == "" {
		return errors.New("token requires subject and value")
	}
	subject := &Subject{
		Name:        name,
		Permissions: dedupeStrings(tok.Permissions),
		Disabled:    tok.Disabled,
	}
	subject.normalise()
	s.mu.Lock()
	s.byDigest[Digest(tok.Token)] = subject
	s.mu.Unlock()
	return nil
}

// Revoke disables every token owned by subject and reports how many matched.
func (s *MemoryStore) Revoke(subject string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.byDigest {
		if sub.Name == subject {
			sub.Disabled = true
			n++
		}
	}
	return n
}

// Subjects returns the names of all token owners.
func (s *MemoryStore) Subjects() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.byDigest))
	for _, sub := range s.byDigest {
		seen[sub.Name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookupDigest implements Store.
func (s *MemoryStore) LookupDigest(_ context.Context, digest string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byDigest[digest]
	if !ok {
		return nil, ErrInvalidToken
	}
	return subject.Clone(), nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
