// Package security holds the host's trust-boundary helpers: the credential
// store and log redaction, the audit log, rate limits, origin filtering,
// message limits and the sandbox a snap runtime is spawned in.
package security

import (
	"maps"
	"slices"
	"sync"
)

// CredentialStore holds the secrets modules register at provision time,
// such as gateway tokens and webhook secrets. Watchers run after every
// change so derived state like the log redactor stays current.
type CredentialStore struct {
	mu       sync.RWMutex
	secrets  map[string]string
	watchers []func()
}

// NewCredentialStore returns an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{secrets: map[string]string{}}
}

// Set stores value under name. Setting an unchanged value notifies nobody.
func (s *CredentialStore) Set(name, value string) {
	s.mu.Lock()
	if old, ok := s.secrets[name]; ok && old == value {
		s.mu.Unlock()
		return
	}
	s.secrets[name] = value
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

// Delete removes name.
func (s *CredentialStore) Delete(name string) {
	s.mu.Lock()
	if _, ok := s.secrets[name]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.secrets, name)
	watchers := slices.Clone(s.watchers)
	s.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

// Get returns the secret stored under name.
func (s *CredentialStore) Get(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	return v, ok
}

// Names lists the stored names, sorted.
func (s *CredentialStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.secrets))
}

// Values returns the non-empty secrets in no particular order.
func (s *CredentialStore) Values() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.secrets))
	for _, v := range s.secrets {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Watch registers fn to run after each change. fn runs without the store
// lock held and may read the store.
func (s *CredentialStore) Watch(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}
