package channel

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	sendEvent    = "send_message"
	receiveEvent = "receive_message"

	writeTimeout = 10 * time.Second
)

// frame is the wire format: the event name selects the message class,
// data is the raw text payload. No sender id or timestamp crosses this
// boundary.
type frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// conn abstracts the WebSocket connection so the channel can be tested
// without a real server. *websocket.Conn satisfies this interface.
type conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Channel wraps one full-duplex push connection to the counterpart. A
// reader goroutine delivers inbound payloads, in receipt order, to the
// single subscribed listener. Reconnection is not handled here; the
// factory that dials owns that.
type Channel struct {
	conn conn

	readCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	listener func(string)
	closed   bool
}

// Dial establishes the WebSocket connection and starts the reader.
func Dial(ctx context.Context, url string) (*Channel, error) {
	c, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}
	return newChannel(c), nil
}

func newChannel(c conn) *Channel {
	readCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		conn:    c,
		readCtx: readCtx,
		cancel:  cancel,
	}
	ch.wg.Add(1)
	go ch.readLoop()
	return ch
}

// Subscribe attaches the single listener for inbound payloads,
// replacing any previous one. Re-subscribing never duplicates
// delivery.
func (ch *Channel) Subscribe(fn func(text string)) {
	ch.mu.Lock()
	ch.listener = fn
	ch.mu.Unlock()
}

// Unsubscribe detaches the listener. Inbound payloads arriving after
// this are dropped.
func (ch *Channel) Unsubscribe() {
	ch.mu.Lock()
	ch.listener = nil
	ch.mu.Unlock()
}

// Send emits one outbound payload, fire-and-forget. With no live
// connection it logs a warning and no-ops rather than failing the
// caller.
func (ch *Channel) Send(text string) {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		log.Printf("⚠️  Send on closed channel, dropping: %q", text)
		return
	}

	data, err := json.Marshal(frame{Event: sendEvent, Data: text})
	if err != nil {
		log.Printf("⚠️  Failed to encode outbound frame: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := ch.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("⚠️  Failed to send message: %v", err)
	}
}

// Disconnect terminates the connection and stops event delivery.
// Idempotent; Send no-ops afterwards.
func (ch *Channel) Disconnect() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.cancel()
	if err := ch.conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		log.Printf("⚠️  Failed to close channel cleanly: %v", err)
	}
	ch.wg.Wait()
}

func (ch *Channel) readLoop() {
	defer ch.wg.Done()

	for {
		_, data, err := ch.conn.Read(ch.readCtx)
		if err != nil {
			ch.mu.Lock()
			wasClosed := ch.closed
			ch.closed = true
			ch.mu.Unlock()
			if !wasClosed {
				log.Printf("⚠️  Channel read failed, connection lost: %v", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("⚠️  Dropping malformed inbound frame: %v", err)
			continue
		}
		if f.Event != receiveEvent {
			continue
		}

		ch.mu.Lock()
		listener := ch.listener
		ch.mu.Unlock()
		if listener != nil {
			listener(f.Data)
		}
	}
}
