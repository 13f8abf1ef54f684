package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vkleist/chatbox/internal/auth"
)

type fakeChannel struct {
	mu           sync.Mutex
	sent         []string
	listener     func(string)
	subscribes   int
	unsubscribed bool
	disconnects  int
	blockSend    chan struct{} // when set, Send blocks until closed
}

func (f *fakeChannel) Send(text string) {
	if f.blockSend != nil {
		<-f.blockSend
	}
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
}

func (f *fakeChannel) Subscribe(fn func(string)) {
	f.mu.Lock()
	f.listener = fn
	f.subscribes++
	f.mu.Unlock()
}

func (f *fakeChannel) Unsubscribe() {
	f.mu.Lock()
	f.listener = nil
	f.unsubscribed = true
	f.mu.Unlock()
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

// deliver pushes an inbound payload through the subscribed listener,
// as the reader goroutine would.
func (f *fakeChannel) deliver(t *testing.T, text string) {
	t.Helper()
	f.mu.Lock()
	listener := f.listener
	f.mu.Unlock()
	if listener == nil {
		t.Fatal("no inbound listener subscribed")
	}
	listener(text)
}

func (f *fakeChannel) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeStore struct {
	mu        sync.Mutex
	persisted []Message
	initial   []Message
	cleared   bool
	failSave  bool
	failClear bool
}

func (f *fakeStore) Load(ctx context.Context) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.initial))
	copy(out, f.initial)
	return out, nil
}

func (f *fakeStore) Save(ctx context.Context, messages []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return fmt.Errorf("%w: disk gone", ErrStorageUnavailable)
	}
	f.persisted = make([]Message, len(messages))
	copy(f.persisted, messages)
	return nil
}

func (f *fakeStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClear {
		return fmt.Errorf("%w: disk gone", ErrStorageUnavailable)
	}
	f.persisted = nil
	f.cleared = true
	return nil
}

func (f *fakeStore) persistedMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Message, len(f.persisted))
	copy(out, f.persisted)
	return out
}

type fakeCreds struct {
	mu        sync.Mutex
	cred      *auth.Credential
	cleared   bool
	failClear bool
}

func (f *fakeCreds) Load() (*auth.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred, nil
}

func (f *fakeCreds) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClear {
		return errors.New("keychain locked")
	}
	f.cred = nil
	f.cleared = true
	return nil
}

type recordCall struct {
	username, text, token string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordCall
	block chan struct{} // when set, Record blocks until closed
}

func (f *fakeRecorder) Record(ctx context.Context, username, text, token string) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordCall{username, text, token})
	f.mu.Unlock()
	return nil
}

func (f *fakeRecorder) recorded() []recordCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startController(t *testing.T, store *fakeStore, creds *fakeCreds, remote *fakeRecorder, ch *fakeChannel) *Controller {
	t.Helper()
	c := NewController(store, creds, remote)
	if err := c.Start(context.Background(), ch); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c
}

// Full session lifecycle: restore, inbound append, whitespace
// rejection, logout teardown.
func TestSessionScenario(t *testing.T) {
	store := &fakeStore{initial: []Message{NewMessage("hello", Outbound)}}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{}
	ch := &fakeChannel{}

	c := startController(t, store, creds, remote, ch)

	if c.State() != Active {
		t.Fatalf("Expected Active after start, got %s", c.State())
	}
	if got := c.Messages(); len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("Expected restored log [hello], got %+v", got)
	}
	if c.Username() != "alice" {
		t.Errorf("Expected username alice, got %q", c.Username())
	}

	ch.deliver(t, "hi back")
	waitFor(t, "inbound append", func() bool { return len(c.Messages()) == 2 })

	got := c.Messages()
	if got[1].Text != "hi back" || got[1].Direction != Inbound {
		t.Errorf("Expected inbound [hi back], got %+v", got[1])
	}
	persisted := store.persistedMessages()
	if len(persisted) != 2 || persisted[0].Text != "hello" || persisted[1].Text != "hi back" {
		t.Errorf("Expected store to hold exactly the in-memory log, got %+v", persisted)
	}

	// Whitespace-only send leaves everything untouched.
	c.Send("  ")
	time.Sleep(50 * time.Millisecond)
	if len(c.Messages()) != 2 {
		t.Errorf("Whitespace send must not append, log has %d messages", len(c.Messages()))
	}
	if len(ch.sentMessages()) != 0 || len(remote.recorded()) != 0 {
		t.Error("Whitespace send must not reach the channel or the remote client")
	}

	c.Logout()
	if c.State() != TornDown {
		t.Errorf("Expected TornDown after logout, got %s", c.State())
	}
	if ch.disconnects == 0 || !ch.unsubscribed {
		t.Error("Logout must unsubscribe and disconnect the channel")
	}
	if cred, _ := creds.Load(); cred != nil {
		t.Error("Logout must clear the credential")
	}
	if !store.cleared {
		t.Error("Logout must clear the session log store")
	}
}

// For any interleaving of inbound and outbound events, the log equals
// the processing order exactly.
func TestAppendOnlyOrdering(t *testing.T) {
	store := &fakeStore{}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{}
	ch := &fakeChannel{}

	c := startController(t, store, creds, remote, ch)
	defer c.Logout()

	want := []struct {
		text string
		dir  Direction
	}{
		{"one", Outbound},
		{"two", Inbound},
		{"three", Inbound},
		{"four", Outbound},
		{"five", Inbound},
	}

	// Enqueued from one goroutine, so processing order is fixed.
	for _, ev := range want {
		if ev.dir == Outbound {
			c.Send(ev.text)
		} else {
			ch.deliver(t, ev.text)
		}
	}

	waitFor(t, "all appends", func() bool { return len(c.Messages()) == len(want) })

	got := c.Messages()
	for i, ev := range want {
		if got[i].Text != ev.text || got[i].Direction != ev.dir {
			t.Errorf("Position %d: expected {%s %s}, got {%s %s}", i, ev.text, ev.dir, got[i].Text, got[i].Direction)
		}
	}
	persisted := store.persistedMessages()
	if len(persisted) != len(want) {
		t.Fatalf("Expected %d persisted messages, got %d", len(want), len(persisted))
	}
	for i := range got {
		if persisted[i].ID != got[i].ID {
			t.Errorf("Persisted order diverges from log at %d", i)
		}
	}
}

// The local append and persist must complete while both network
// collaborators are still stalled.
func TestSendIsNonBlocking(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	store := &fakeStore{}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{block: block}
	ch := &fakeChannel{blockSend: block}

	c := startController(t, store, creds, remote, ch)
	defer c.Logout()

	c.Send("hello")

	waitFor(t, "local append", func() bool { return len(c.Messages()) == 1 })
	waitFor(t, "local persist", func() bool { return len(store.persistedMessages()) == 1 })

	// Neither collaborator has completed.
	if len(remote.recorded()) != 0 {
		t.Error("Remote write completed before being released")
	}
	if len(ch.sentMessages()) != 0 {
		t.Error("Channel send completed before being released")
	}
}

func TestSendDispatchesBothPaths(t *testing.T) {
	store := &fakeStore{}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{}
	ch := &fakeChannel{}

	c := startController(t, store, creds, remote, ch)
	defer c.Logout()

	c.Send("hello")

	waitFor(t, "channel send", func() bool { return len(ch.sentMessages()) == 1 })
	waitFor(t, "remote record", func() bool { return len(remote.recorded()) == 1 })

	if got := ch.sentMessages()[0]; got != "hello" {
		t.Errorf("Expected channel to carry raw text, got %q", got)
	}
	rec := remote.recorded()[0]
	if rec.username != "alice" || rec.text != "hello" || rec.token != "tok1" {
		t.Errorf("Unexpected record call: %+v", rec)
	}
}

// A failing store never blocks the session; the in-memory log stays
// authoritative.
func TestStorageFailureIsNonFatal(t *testing.T) {
	store := &fakeStore{failSave: true}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{}
	ch := &fakeChannel{}

	c := startController(t, store, creds, remote, ch)
	defer c.Logout()

	c.Send("hello")
	ch.deliver(t, "hi back")

	waitFor(t, "in-memory appends", func() bool { return len(c.Messages()) == 2 })
	if c.State() != Active {
		t.Errorf("Expected Active despite storage failure, got %s", c.State())
	}
}

// An absent credential degrades sends but never blocks restoring
// history or receiving.
func TestStartWithoutCredential(t *testing.T) {
	store := &fakeStore{initial: []Message{NewMessage("hello", Outbound)}}
	creds := &fakeCreds{}
	remote := &fakeRecorder{}
	ch := &fakeChannel{}

	c := startController(t, store, creds, remote, ch)
	defer c.Logout()

	if c.State() != Active {
		t.Fatalf("Expected Active without credential, got %s", c.State())
	}
	if len(c.Messages()) != 1 {
		t.Errorf("Expected restored history, got %d messages", len(c.Messages()))
	}

	ch.deliver(t, "hi back")
	waitFor(t, "inbound append", func() bool { return len(c.Messages()) == 2 })

	c.Send("still here")
	waitFor(t, "outbound append", func() bool { return len(c.Messages()) == 3 })
	waitFor(t, "record without token", func() bool { return len(remote.recorded()) == 1 })
	if rec := remote.recorded()[0]; rec.username != "" || rec.token != "" {
		t.Errorf("Expected empty identity on record, got %+v", rec)
	}
}

// Every teardown step runs no matter which collaborators fail.
func TestTeardownTotality(t *testing.T) {
	for _, tc := range []struct {
		name            string
		failCredentials bool
		failStore       bool
	}{
		{"all succeed", false, false},
		{"credential clear fails", true, false},
		{"store clear fails", false, true},
		{"both fail", true, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{failClear: tc.failStore}
			creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}, failClear: tc.failCredentials}
			remote := &fakeRecorder{}
			ch := &fakeChannel{}

			c := startController(t, store, creds, remote, ch)
			c.Logout()

			if c.State() != TornDown {
				t.Errorf("Expected TornDown, got %s", c.State())
			}
			if !ch.unsubscribed || ch.disconnects == 0 {
				t.Error("Channel must be unsubscribed and disconnected")
			}
			if !tc.failCredentials && !creds.cleared {
				t.Error("Credential must be cleared")
			}
			if !tc.failStore && !store.cleared {
				t.Error("Store must be cleared")
			}

			// Operations after teardown are silent no-ops.
			c.Send("too late")
			c.Logout()
			if len(c.Messages()) != 0 {
				t.Error("No appends after teardown")
			}
		})
	}
}

// A new handle replaces the old one: the old subscription is dropped
// and delivery continues through the new channel only.
func TestAttachChannelReplacesHandle(t *testing.T) {
	store := &fakeStore{}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{}
	first := &fakeChannel{}

	c := startController(t, store, creds, remote, first)
	defer c.Logout()

	second := &fakeChannel{}
	c.AttachChannel(second)
	waitFor(t, "second subscription", func() bool {
		second.mu.Lock()
		defer second.mu.Unlock()
		return second.listener != nil
	})

	if !first.unsubscribed {
		t.Error("Old handle must be unsubscribed on replacement")
	}

	second.deliver(t, "via new handle")
	waitFor(t, "inbound via new handle", func() bool { return len(c.Messages()) == 1 })

	c.Send("outbound")
	waitFor(t, "send via new handle", func() bool { return len(second.sentMessages()) == 1 })
	if len(first.sentMessages()) != 0 {
		t.Error("Old handle must not carry sends after replacement")
	}
}

// In-flight records may complete after teardown; they must not touch
// cleared state or resurrect the session.
func TestLateRecordAfterTeardown(t *testing.T) {
	block := make(chan struct{})

	store := &fakeStore{}
	creds := &fakeCreds{cred: &auth.Credential{Username: "alice", Token: "tok1"}}
	remote := &fakeRecorder{block: block}
	ch := &fakeChannel{}

	c := startController(t, store, creds, remote, ch)

	c.Send("hello")
	waitFor(t, "local append", func() bool { return len(c.Messages()) == 1 })

	c.Logout()
	if c.State() != TornDown {
		t.Fatalf("Expected TornDown, got %s", c.State())
	}

	close(block)
	waitFor(t, "late record completion", func() bool { return len(remote.recorded()) == 1 })

	if c.State() != TornDown {
		t.Error("Late record completion must not change controller state")
	}
	if len(c.Messages()) != 0 {
		t.Error("Late record completion must not repopulate the log")
	}
}
