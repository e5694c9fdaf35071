// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package credentials

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

const credentialFile = "credentials"

// NewStore returns a Repository backed by store. Records are kept in a
// single encrypted file; every mutation is an atomic open-update-commit.
func NewStore(store *storage.Storage) (*Store, error) {
	s := &Store{
		store: store,
		now:   time.Now,
	}
	s.db.Credentials = make(map[string]*Credential)
	s.store.CreateEmptyFile(credentialFile, &s.db)
	if err := s.store.ReadDataFile(credentialFile, &s.db); err != nil {
		return nil, err
	}
	return s, nil
}

// Store is a Repository backed by c2FmZQ/storage.
type Store struct {
	store *storage.Storage
	now   func() time.Time

	mu sync.Mutex
	db struct {
		Credentials map[string]*Credential
	}
}

// SetTimeSource sets the clock, for deterministic tests.
func (s *Store) SetTimeSource(now func() time.Time) {
	s.now = now
}

// Create implements Repository.
func (s *Store) Create(c Credential) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	commit, err := s.store.OpenForUpdate(credentialFile, &s.db)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	if _, ok := s.db.Credentials[c.ID]; ok {
		return ErrExists
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	s.db.Credentials[c.ID] = &c
	return commit(true, nil)
}

// Find implements Repository.
func (s *Store) Find(id string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.db.Credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

// FindByRawID implements Repository.
func (s *Store) FindByRawID(rawID []byte) (*Credential, error) {
	return s.Find(RecordID(TypePublicKey, rawID))
}

// ForUser implements Repository.
func (s *Store) ForUser(userID string, types ...Type) ([]Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Credential
	for _, c := range s.db.Credentials {
		if c.UserID != userID {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, c.Type) {
			continue
		}
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Credential) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete implements Repository.
func (s *Store) Delete(id string) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	commit, err := s.store.OpenForUpdate(credentialFile, &s.db)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	if _, ok := s.db.Credentials[id]; !ok {
		return ErrNotFound
	}
	delete(s.db.Credentials, id)
	return commit(true, nil)
}

// UpdateSignCount implements Repository. The update is keyed by credential
// ID and rewrites only the counter and timestamps within a single commit.
func (s *Store) UpdateSignCount(id string, signCount uint32) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	commit, err := s.store.OpenForUpdate(credentialFile, &s.db)
	if err != nil {
		return err
	}
	defer commit(false, &retErr)
	c, ok := s.db.Credentials[id]
	if !ok {
		return ErrNotFound
	}
	attrs, err := ParseSecret(c.Secret)
	if err != nil {
		return err
	}
	attrs.SignCount = signCount
	secret, err := attrs.MarshalSecret()
	if err != nil {
		return err
	}
	c.Secret = secret
	c.LastUsedAt = s.now().UTC()
	return commit(true, nil)
}
