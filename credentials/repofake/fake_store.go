package repofake

import (
	"sync"

	"github.com/jrsteele09/go-auth-session/credentials"
)

var _ credentials.Store = (*FakeStore)(nil)

// FakeStore is an in-memory credentials.Store. It also counts writes so tests
// can assert how many times a credential was persisted.
type FakeStore struct {
	credential *credentials.Credential
	sets       int
	clears     int
	setErr     error
	lock       sync.RWMutex
}

func NewFakeStore() *FakeStore {
	return &FakeStore{}
}

func (s *FakeStore) Get() (*credentials.Credential, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.credential.Clone(), nil
}

func (s *FakeStore) Set(credential *credentials.Credential) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.setErr != nil {
		return s.setErr
	}
	s.credential = credential.Clone()
	s.sets++
	return nil
}

func (s *FakeStore) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.credential = nil
	s.clears++
	return nil
}

// FailSets makes every subsequent Set return err (nil restores normal behaviour).
func (s *FakeStore) FailSets(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.setErr = err
}

func (s *FakeStore) SetCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.sets
}

func (s *FakeStore) ClearCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.clears
}
