package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vkleist/chatbox/internal/auth"
)

// State is the controller lifecycle state.
type State string

const (
	Uninitialized State = "uninitialized"
	Restoring     State = "restoring"
	Active        State = "active"
	TornDown      State = "torn_down"
)

// opTimeout bounds any single store write or remote record. In-flight
// records are not cancelled on logout; they just expire on their own.
const opTimeout = 30 * time.Second

// Channel is the realtime push connection as seen by the controller.
type Channel interface {
	Send(text string)
	Subscribe(fn func(text string))
	Unsubscribe()
	Disconnect()
}

// Recorder is the best-effort remote history writer.
type Recorder interface {
	Record(ctx context.Context, username, text, token string) error
}

// LogStore is the durable local message log.
type LogStore interface {
	Load(ctx context.Context) ([]Message, error)
	Save(ctx context.Context, messages []Message) error
	Clear(ctx context.Context) error
}

// CredentialStore holds the session identity.
type CredentialStore interface {
	Load() (*auth.Credential, error)
	Clear() error
}

type command struct {
	kind    string // "send", "inbound", "attach", "logout"
	text    string
	channel Channel
	done    chan struct{}
}

// Controller reconciles user input, inbound push events and startup
// restore into one ordered conversation log, and releases every
// session resource on logout.
//
// All log mutation happens on a single event-loop goroutine; the
// WebSocket reader and the frontend only enqueue commands, so appends
// never interleave.
type Controller struct {
	store  LogStore
	creds  CredentialStore
	remote Recorder

	// OnAppend, when set, is called from the event loop after each
	// committed append. Set it before Start.
	OnAppend func(Message)

	// OnHandleReset, when set, is called at the end of teardown so the
	// connection factory can drop its shared handle slot.
	OnHandleReset func()

	cmds       chan command
	closing    chan struct{}
	logoutOnce sync.Once
	wg         sync.WaitGroup

	// mu guards state, messages and username for readers; the event
	// loop is the only writer.
	mu       sync.Mutex
	state    State
	messages []Message
	username string

	// loop-owned, never read outside the loop
	channel Channel
	cred    *auth.Credential
}

// NewController wires the controller to its collaborators. Call Start
// to restore the session.
func NewController(store LogStore, creds CredentialStore, remote Recorder) *Controller {
	return &Controller{
		store:   store,
		creds:   creds,
		remote:  remote,
		cmds:    make(chan command, 256),
		closing: make(chan struct{}),
		state:   Uninitialized,
	}
}

// Start restores the session: credential, persisted log, channel
// handle, inbound subscription. An absent credential degrades outbound
// sends but never blocks restoring history. The controller is Active
// once the inbound subscription is attached.
func (c *Controller) Start(ctx context.Context, ch Channel) error {
	c.setState(Restoring)

	cred, err := c.creds.Load()
	if err != nil {
		log.Printf("⚠️  Failed to load credential: %v (outbound sends degraded)", err)
	}
	c.cred = cred
	if cred != nil {
		c.mu.Lock()
		c.username = cred.Username
		c.mu.Unlock()
	}

	messages, err := c.store.Load(ctx)
	if err != nil {
		log.Printf("⚠️  Failed to load session log: %v (starting empty)", err)
		messages = []Message{}
	}
	c.mu.Lock()
	c.messages = messages
	c.mu.Unlock()

	c.attach(ch)
	c.setState(Active)

	c.wg.Add(1)
	go c.loop()
	return nil
}

// Send dispatches one outbound message. Empty or whitespace-only text
// is rejected silently. The append and the durable save happen in the
// same event turn, before either network call can complete.
func (c *Controller) Send(text string) {
	c.enqueue(command{kind: "send", text: text})
}

// AttachChannel replaces the current connection handle. This is the
// only way a collaborator may hand the session a new connection, e.g.
// after an out-of-process re-login.
func (c *Controller) AttachChannel(ch Channel) {
	c.enqueue(command{kind: "attach", channel: ch})
}

// Logout tears the session down: unsubscribe, disconnect, clear
// credential, clear log store, reset the shared handle slot. Every
// step runs even if an earlier one fails. Blocks until teardown is
// complete.
func (c *Controller) Logout() {
	c.logoutOnce.Do(func() {
		done := make(chan struct{})
		if c.enqueue(command{kind: "logout", done: done}) {
			<-done
			c.wg.Wait()
		}
	})
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Messages returns a copy of the in-memory log.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Username returns the restored identity, or "" when no credential was
// present.
func (c *Controller) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) enqueue(cmd command) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.cmds <- cmd:
		return true
	case <-c.closing:
		return false
	}
}

// attach swaps the connection handle and moves the single inbound
// subscription to it. Loop-owned except for the initial call in Start,
// which happens before the loop exists.
func (c *Controller) attach(ch Channel) {
	if c.channel != nil {
		c.channel.Unsubscribe()
	}
	c.channel = ch
	if ch == nil {
		return
	}
	ch.Subscribe(func(text string) {
		c.enqueue(command{kind: "inbound", text: text})
	})
}

func (c *Controller) loop() {
	defer c.wg.Done()

	for cmd := range c.cmds {
		switch cmd.kind {
		case "send":
			c.handleSend(cmd.text)
		case "inbound":
			c.appendAndSave(NewMessage(cmd.text, Inbound))
		case "attach":
			c.attach(cmd.channel)
		case "logout":
			// Closing the gate first unblocks any producer stuck on a
			// full queue, so teardown can never deadlock against the
			// channel reader.
			close(c.closing)
			c.teardown()
			close(cmd.done)
			return
		}
	}
}

func (c *Controller) handleSend(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	// Local append is committed before any network dispatch, so the
	// log survives even if both network calls fail.
	c.appendAndSave(NewMessage(text, Outbound))

	var username, token string
	if c.cred != nil {
		username, token = c.cred.Username, c.cred.Token
	}
	ch := c.channel

	// Two independent one-shot tasks. Each holds value copies only;
	// neither is awaited and neither can touch the log.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := c.remote.Record(ctx, username, text, token); err != nil {
			log.Printf("⚠️  Failed to record message remotely: %v", err)
		}
	}()
	go func() {
		if ch == nil {
			log.Printf("⚠️  No live channel, message not delivered: %q", text)
			return
		}
		ch.Send(text)
	}()
}

func (c *Controller) appendAndSave(m Message) {
	c.mu.Lock()
	c.messages = append(c.messages, m)
	snapshot := make([]Message, len(c.messages))
	copy(snapshot, c.messages)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.store.Save(ctx, snapshot); err != nil {
		log.Printf("⚠️  Failed to persist session log: %v (in-memory log remains authoritative)", err)
	}

	if c.OnAppend != nil {
		c.OnAppend(m)
	}
}

// teardown releases all session resources. Each step is wrapped so one
// failure cannot skip the rest.
func (c *Controller) teardown() {
	if c.channel != nil {
		c.channel.Unsubscribe()
		c.channel.Disconnect()
	}
	if err := c.creds.Clear(); err != nil {
		log.Printf("⚠️  Failed to clear credential: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.store.Clear(ctx); err != nil {
		log.Printf("⚠️  Failed to clear session log store: %v", err)
	}
	if c.OnHandleReset != nil {
		c.OnHandleReset()
	}

	c.channel = nil
	c.cred = nil
	c.mu.Lock()
	c.messages = nil
	c.state = TornDown
	c.mu.Unlock()
}
