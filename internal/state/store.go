// Package state holds the process-wide runtime configuration entered through
// the control panel. It is never persisted.
package state

import (
	"strings"
	"sync"

	"groupbot/internal/session"
)

// Store is safe for concurrent use. The zero value is ready.
type Store struct {
	mu         sync.RWMutex
	credential string
	address    string
	running    bool
	session    *session.Handle
}

func New() *Store { return &Store{} }

func (s *Store) Credential() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential
}

func (s *Store) SetCredential(v string) {
	s.mu.Lock()
	s.credential = strings.TrimSpace(v)
	s.mu.Unlock()
}

func (s *Store) TargetAddress() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.address
}

func (s *Store) SetTargetAddress(v string) {
	s.mu.Lock()
	s.address = strings.TrimSpace(v)
	s.mu.Unlock()
}

// SaveConfig replaces the credential and target address together.
func (s *Store) SaveConfig(credential, address string) {
	s.mu.Lock()
	s.credential = strings.TrimSpace(credential)
	s.address = strings.TrimSpace(address)
	s.mu.Unlock()
}

// Dispatch returns the fields a firing needs, read under one lock.
func (s *Store) Dispatch() (credential, address string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.credential, s.address
}

func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Store) SetRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func (s *Store) Session() *session.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

func (s *Store) SetSession(h *session.Handle) {
	s.mu.Lock()
	s.session = h
	s.mu.Unlock()
}

// Snapshot is a render-safe copy: the credential is masked.
type Snapshot struct {
	CredentialSet  bool         `json:"credential_set"`
	Credential     string       `json:"credential"`
	TargetAddress  string       `json:"target_address"`
	Running        bool         `json:"running"`
	SessionPresent bool         `json:"session_present"`
	Session        session.Info `json:"session"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	cred, addr, running, h := s.credential, s.address, s.running, s.session
	s.mu.RUnlock()

	snap := Snapshot{
		CredentialSet: cred != "",
		Credential:    Mask(cred),
		TargetAddress: addr,
		Running:       running,
		Session:       session.Info{State: session.Uninitialized},
	}
	if h != nil {
		snap.SessionPresent = true
		snap.Session = h.Info()
	}
	return snap
}

// Mask keeps the first and last four characters of long secrets.
func Mask(secret string) string {
	switch n := len(secret); {
	case n == 0:
		return ""
	case n <= 12:
		return strings.Repeat("*", 8)
	default:
		return secret[:4] + strings.Repeat("*", 8) + secret[n-4:]
	}
}
