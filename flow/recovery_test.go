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
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/c2FmZQ/authcore/events"
	"github.com/c2FmZQ/authcore/linktoken"
	"github.com/c2FmZQ/authcore/recovery"
)

func newRecoveryTestFlow(t *testing.T) (*testFlow, *User, []string) {
	t.Helper()
	user := testUser(t, "hunter2!")
	set, err := recovery.Generate(nil)
	if err != nil {
		t.Fatalf("recovery.Generate: %v", err)
	}
	user.RecoveryCodes = set.Codes()
	tf := newTestFlow(t, Config{}, user)
	return tf, user, set.Codes()
}

func TestRecoveryRoundTrip(t *testing.T) {
	tf, user, codes := newRecoveryTestFlow(t)

	if err := tf.StartRecovery("alice@example.com", "1.2.3.4"); err != nil {
		t.Fatalf("StartRecovery: %v", err)
	}
	token := tf.notifier.last()
	if token == "" {
		t.Fatal("no recovery link was delivered")
	}

	sess := newMemSession()
	userID, err := tf.CompleteRecovery(sess, token, codes[0], "1.2.3.4")
	if err != nil {
		t.Fatalf("CompleteRecovery: %v", err)
	}
	if userID != user.ID {
		t.Errorf("userID = %q, want %q", userID, user.ID)
	}
	if id, ok := tf.RecoveryModeUserID(sess); !ok || id != user.ID {
		t.Errorf("RecoveryModeUserID = %q, %v", id, ok)
	}
	// Recovery mode is not authentication.
	if got := tf.SessionState(sess); got != Anonymous {
		t.Errorf("SessionState = %v, want %v", got, Anonymous)
	}
	if sess.id == 0 {
		t.Error("session id was not regenerated")
	}
	if !tf.events.has(events.AccountRecovered) {
		t.Errorf("missing %s event", events.AccountRecovered)
	}

	// The used code is burned.
	u, err := tf.users.FindByID(user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if slices.Contains(u.RecoveryCodes, codes[0]) {
		t.Error("used recovery code still stored")
	}
	if len(u.RecoveryCodes) != len(codes)-1 {
		t.Errorf("len(RecoveryCodes) = %d, want %d", len(u.RecoveryCodes), len(codes)-1)
	}

	// So is the link token.
	if _, err := tf.CompleteRecovery(newMemSession(), token, codes[1], "1.2.3.4"); !errors.Is(err, linktoken.ErrNotFound) {
		t.Errorf("replayed CompleteRecovery = %v, want linktoken.ErrNotFound", err)
	}
}

func TestRecoveryUniformFailures(t *testing.T) {
	tf, _, codes := newRecoveryTestFlow(t)

	// An unknown account is indistinguishable from a known one.
	if err := tf.StartRecovery("nobody@example.com", "1.2.3.4"); err != nil {
		t.Fatalf("StartRecovery for unknown account: %v", err)
	}
	if tf.notifier.last() != "" {
		t.Fatal("a link was delivered for an unknown account")
	}

	if err := tf.StartRecovery("alice@example.com", "1.2.3.4"); err != nil {
		t.Fatalf("StartRecovery: %v", err)
	}
	token := tf.notifier.last()

	sess := newMemSession()
	// Wrong code. The failure is the same error as a bad token, and the
	// token is burned with the attempt.
	if _, err := tf.CompleteRecovery(sess, token, "0000-0000", "1.2.3.4"); !errors.Is(err, linktoken.ErrNotFound) {
		t.Errorf("CompleteRecovery with wrong code = %v, want linktoken.ErrNotFound", err)
	}
	if _, err := tf.CompleteRecovery(sess, token, codes[0], "1.2.3.4"); !errors.Is(err, linktoken.ErrNotFound) {
		t.Errorf("CompleteRecovery after burned token = %v, want linktoken.ErrNotFound", err)
	}
	if _, err := tf.CompleteRecovery(sess, "not-a-token", codes[0], "1.2.3.4"); !errors.Is(err, linktoken.ErrNotFound) {
		t.Errorf("CompleteRecovery with garbage token = %v, want linktoken.ErrNotFound", err)
	}
	if !tf.events.has(events.AccountRecoveryFailed) {
		t.Errorf("missing %s event", events.AccountRecoveryFailed)
	}
	if _, ok := tf.RecoveryModeUserID(sess); ok {
		t.Error("recovery mode entered after failures")
	}
}

func TestRecoveryTokenExpiry(t *testing.T) {
	tf, _, codes := newRecoveryTestFlow(t)

	if err := tf.StartRecovery("alice", "1.2.3.4"); err != nil {
		t.Fatalf("StartRecovery: %v", err)
	}
	token := tf.notifier.last()

	tf.advance(2 * time.Hour)
	if _, err := tf.CompleteRecovery(newMemSession(), token, codes[0], "1.2.3.4"); !errors.Is(err, linktoken.ErrNotFound) {
		t.Errorf("CompleteRecovery with expired token = %v, want linktoken.ErrNotFound", err)
	}
}
