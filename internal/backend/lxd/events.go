package lxd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vmgate/vmgate/internal/backend"
	"github.com/vmgate/vmgate/internal/logging"
)

// feedMessage is one push message from the combined operation/lifecycle
// event feed.
type feedMessage struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata"`
}

// eventFeed is the single persistent subscription shared by every awaited
// operation and lifecycle subscriber. Correlation is by id lookup, so one
// slow consumer never blocks another operation's settlement.
type eventFeed struct {
	conn    *websocket.Conn
	tracker *opTracker
	logger  *slog.Logger

	mu      sync.Mutex
	subs    map[int64]*feedSubscriber
	nextSub int64
	closed  bool
	err     error
	done    chan struct{}
}

type feedSubscriber struct {
	feed    *eventFeed
	id      int64
	uuid    string
	handler backend.EventHandler

	once sync.Once
	done chan struct{}
}

func dialFeed(ctx context.Context, socketPath string, tracker *opTracker, logger *slog.Logger) (*eventFeed, error) {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://unix/1.0/events", nil)
	if err != nil {
		return nil, fmt.Errorf("subscribe to event feed: %w", err)
	}
	feed := &eventFeed{
		conn:    conn,
		tracker: tracker,
		logger:  logging.Ensure(logger).With("component", "events"),
		subs:    map[int64]*feedSubscriber{},
		done:    make(chan struct{}),
	}
	go feed.run()
	return feed, nil
}

// run processes feed messages in arrival order until the connection dies.
func (f *eventFeed) run() {
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			f.fail(fmt.Errorf("event feed closed: %w", err))
			return
		}
		var msg feedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("malformed feed message", "error", err, "payload", string(data))
			continue
		}
		switch msg.Type {
		case "operation":
			var op operation
			if err := json.Unmarshal(msg.Metadata, &op); err != nil || op.ID == "" {
				logging.Trace(f.logger, "feed message without operation id")
				continue
			}
			f.tracker.observe(op)
		case "lifecycle":
			f.dispatch(msg, data)
		default:
			logging.Trace(f.logger, "ignoring feed message", "type", msg.Type)
		}
	}
}

// dispatch fans a lifecycle message out to matching subscribers.
func (f *eventFeed) dispatch(msg feedMessage, raw []byte) {
	var meta struct {
		Action string `json:"action"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal(msg.Metadata, &meta); err != nil || meta.Action == "" {
		logging.Trace(f.logger, "lifecycle message without action")
		return
	}
	event := backend.Event{
		Type: meta.Action,
		Date: msg.Timestamp,
		UUID: uuidFromSource(meta.Source),
		Raw:  json.RawMessage(append([]byte(nil), raw...)),
	}

	f.mu.Lock()
	subs := make([]*feedSubscriber, 0, len(f.subs))
	for _, sub := range f.subs {
		if sub.uuid == "" || sub.uuid == event.UUID {
			subs = append(subs, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

// subscribe registers a lifecycle subscriber, optionally filtered by uuid.
func (f *eventFeed) subscribe(uuid string, handler backend.EventHandler) *feedSubscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	sub := &feedSubscriber{
		feed:    f,
		id:      f.nextSub,
		uuid:    uuid,
		handler: handler,
		done:    make(chan struct{}),
	}
	f.subs[sub.id] = sub
	return sub
}

// fail tears the feed down: pending operation waiters settle with err and
// lifecycle subscribers terminate.
func (f *eventFeed) fail(err error) {
	f.mu.Lock()
	if f.closed {
		err = nil
	}
	if f.err == nil {
		f.err = err
	}
	subs := f.subs
	f.subs = map[int64]*feedSubscriber{}
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("event feed failed", "error", err)
		f.tracker.failAll(err)
	} else {
		f.tracker.failAll(fmt.Errorf("event feed closed"))
	}
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
	}
	close(f.done)
}

// close shuts the feed down on behalf of the backend.
func (f *eventFeed) close() {
	f.mu.Lock()
	alreadyClosed := f.closed
	f.closed = true
	f.mu.Unlock()
	if !alreadyClosed {
		_ = f.conn.Close()
	}
}

func (f *eventFeed) dead() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Stop unregisters the subscriber. Idempotent; the shared feed stays up for
// other waiters.
func (s *feedSubscriber) Stop() {
	s.feed.mu.Lock()
	delete(s.feed.subs, s.id)
	s.feed.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *feedSubscriber) Done() <-chan struct{} { return s.done }

func (s *feedSubscriber) Err() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	return s.feed.err
}

// uuidFromSource extracts the canonical uuid from an instance resource path
// such as /1.0/instances/vm-<uuid>.
func uuidFromSource(source string) string {
	name := path.Base(source)
	if uuid, ok := strings.CutPrefix(name, namePrefix); ok {
		return uuid
	}
	return name
}
