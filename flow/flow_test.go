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

package flow

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"

	"github.com/c2FmZQ/authcore/credentials"
	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/linktoken"
	"github.com/c2FmZQ/authcore/totp"
	"github.com/c2FmZQ/authcore/webauthn"
)

type memSession struct {
	id   int
	data map[string]string
}

func newMemSession() *memSession {
	return &memSession{data: make(map[string]string)}
}

func (s *memSession) Get(key string) (string, bool) {
	v, ok := s.data[key]
	return v, ok
}
func (s *memSession) Put(key, value string) { s.data[key] = value }
func (s *memSession) Forget(key string)     { delete(s.data, key) }
func (s *memSession) Has(key string) bool {
	_, ok := s.data[key]
	return ok
}
func (s *memSession) RegenerateID() error {
	s.id++
	return nil
}

type memUsers struct {
	mu      sync.Mutex
	byID    map[string]*User
	lookups int
}

func newMemUsers(users ...*User) *memUsers {
	m := &memUsers{byID: make(map[string]*User)}
	for _, u := range users {
		m.byID[u.ID] = u
	}
	return m
}

func (m *memUsers) FindByID(id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.byID[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, ErrUserNotFound
}

func (m *memUsers) FindByIdentifier(ident string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, u := range m.byID {
		if u.Username == ident || u.Email == ident {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *memUsers) SetPassword(id string, hash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUsers) SetRecoveryCodes(id string, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	u.RecoveryCodes = codes
	return nil
}

func (m *memUsers) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrUserNotFound
	}
	delete(m.byID, id)
	return nil
}

type eventRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *eventRecorder) Fire(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, e.Name)
}

func (r *eventRecorder) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.names, name)
}

type notifyRecorder struct {
	mu    sync.Mutex
	links []string
}

func (n *notifyRecorder) Notify(_ *User, nn Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links = append(n.links, nn.Link)
}

func (n *notifyRecorder) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.links) == 0 {
		return ""
	}
	return n.links[len(n.links)-1]
}

type testFlow struct {
	*Flow
	users    *memUsers
	creds    *credentials.Store
	events   *eventRecorder
	notifier *notifyRecorder
	auth     *webauthn.FakeAuthenticator
	now      time.Time
}

func (tf *testFlow) advance(d time.Duration) {
	tf.now = tf.now.Add(d)
}

func newTestFlow(t *testing.T, cfg Config, users ...*User) *testFlow {
	t.Helper()
	mk, err := crypto.CreateAESMasterKeyForTest()
	if err != nil {
		t.Fatalf("crypto.CreateAESMasterKeyForTest: %v", err)
	}
	store := storage.New(t.TempDir(), mk)
	credStore, err := credentials.NewStore(store)
	if err != nil {
		t.Fatalf("credentials.NewStore: %v", err)
	}
	engine, err := webauthn.New(webauthn.Config{
		RPID:   "example.com",
		RPName: "Example",
		Origin: "https://example.com",
	})
	if err != nil {
		t.Fatalf("webauthn.New: %v", err)
	}
	tokens, err := linktoken.New(store)
	if err != nil {
		t.Fatalf("linktoken.New: %v", err)
	}
	tf := &testFlow{
		users:    newMemUsers(users...),
		creds:    credStore,
		events:   &eventRecorder{},
		notifier: &notifyRecorder{},
		auth:     webauthn.NewFakeAuthenticator(),
		now:      time.Now().UTC(),
	}
	f, err := New(cfg, Deps{
		Engine:      engine,
		Credentials: credStore,
		Users:       tf.users,
		Tokens:      tokens,
		Notifier:    tf.notifier,
		Events:      tf.events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.SetTimeSource(func() time.Time { return tf.now })
	tokens.SetTimeSource(func() time.Time { return tf.now })
	tf.Flow = f
	return tf
}

func testUser(t *testing.T, password string) *User {
	t.Helper()
	u := &User{
		ID:       "user-1",
		Name:     "Alice",
		Email:    "alice@example.com",
		Username: "alice",
	}
	if password != "" {
		hash, err := HashPassword(password)
		if err != nil {
			t.Fatalf("HashPassword: %v", err)
		}
		u.PasswordHash = hash
	}
	return u
}

func (tf *testFlow) addTOTPCredential(t *testing.T, userID string) string {
	return tf.addNamedTOTPCredential(t, userID, "totp")
}

func (tf *testFlow) addNamedTOTPCredential(t *testing.T, userID, name string) string {
	t.Helper()
	secret, _, err := totp.Enroll("test", "alice@example.com", nil)
	if err != nil {
		t.Fatalf("totp.Enroll: %v", err)
	}
	err = tf.creds.Create(credentials.Credential{
		ID:        credentials.RecordID(credentials.TypeTOTP, []byte(userID+"-"+name)),
		Type:      credentials.TypeTOTP,
		UserID:    userID,
		Name:      name,
		Secret:    []byte(secret),
		CreatedAt: tf.now,
	})
	if err != nil {
		t.Fatalf("creds.Create: %v", err)
	}
	return secret
}

// registerSecurityKey registers a second-factor key through the full
// ceremony.
func (tf *testFlow) registerSecurityKey(t *testing.T, user *User) {
	t.Helper()
	sess := newMemSession()
	opts, err := tf.BeginRegistration(sess, user, webauthn.IntentMFA)
	if err != nil {
		t.Fatalf("BeginRegistration: %v", err)
	}
	_, resp, err := tf.auth.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := tf.CompleteRegistration(sess, user.ID, resp, "my key"); err != nil {
		t.Fatalf("CompleteRegistration: %v", err)
	}
}
