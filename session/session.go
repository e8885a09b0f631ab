// Package session implements the cross-worker Session Bus: a session table
// (owner, current conversation, in-flight stream handle, TTL) plus a topic
// pub/sub used to fan out ingestion progress and chat stream tokens to
// whichever worker is holding the client connection. Backed by Redis when
// an address is configured; degrades to in-process channels otherwise so a
// single-process deployment doesn't need a Redis dependency to function.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 3600 * time.Second

// Session is a single client session.
type Session struct {
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	CurrentConversation int64     `json:"current_conversation_id,omitempty"`
	InFlightStream      string    `json:"in_flight_stream_handle,omitempty"`
	LastActivityAt      time.Time `json:"last_activity_at"`
}

// Bus is the cross-worker session store and pub/sub fabric.
type Bus struct {
	ttl time.Duration

	redis *redis.Client // nil in degraded mode

	mu        sync.Mutex
	sessions  map[string]*Session // degraded-mode session table
	subs      map[string][]chan []byte
}

// New creates a Bus. addr empty runs in degraded in-process mode.
func New(addr string, ttl time.Duration) *Bus {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	b := &Bus{
		ttl:      ttl,
		sessions: make(map[string]*Session),
		subs:     make(map[string][]chan []byte),
	}
	if addr != "" {
		b.redis = redis.NewClient(&redis.Options{Addr: addr})
	}
	return b
}

// Degraded reports whether the bus is running without Redis.
func (b *Bus) Degraded() bool { return b.redis == nil }

// Close releases the Redis connection, if any.
func (b *Bus) Close() error {
	if b.redis != nil {
		return b.redis.Close()
	}
	return nil
}

// CreateSession starts a new session for owner and returns it.
func (b *Bus) CreateSession(ctx context.Context, owner string) (*Session, error) {
	s := &Session{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		LastActivityAt:  time.Now(),
	}
	if err := b.save(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	return s, nil
}

func (b *Bus) save(ctx context.Context, s *Session) error {
	if b.redis != nil {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		return b.redis.Set(ctx, sessionKey(s.ID), data, b.ttl).Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *s
	b.sessions[s.ID] = &cp
	return nil
}

// Get retrieves a session by id.
func (b *Bus) Get(ctx context.Context, id string) (*Session, error) {
	if b.redis != nil {
		data, err := b.redis.Get(ctx, sessionKey(id)).Bytes()
		if err == redis.Nil {
			return nil, fmt.Errorf("session: %s: not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("session: get %s: %w", id, err)
		}
		var s Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %s: not found", id)
	}
	cp := *s
	return &cp, nil
}

// Touch refreshes a session's TTL and conversation/stream pointers.
func (b *Bus) Touch(ctx context.Context, id string, conversationID int64, streamHandle string) error {
	s, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	s.LastActivityAt = time.Now()
	if conversationID != 0 {
		s.CurrentConversation = conversationID
	}
	s.InFlightStream = streamHandle
	return b.save(ctx, s)
}

// sessionKey namespaces session table keys so they don't collide with topic
// keys (Redis has one flat keyspace).
func sessionKey(id string) string { return "ragcore:session:" + id }

// Topic names used across the pipeline.
func DocumentProgressTopic(documentID int64) string {
	return fmt.Sprintf("document_progress/%d", documentID)
}

func ChatStreamTopic(sessionID string) string {
	return fmt.Sprintf("chat/%s/stream", sessionID)
}

// Publish sends a JSON-encoded event to a topic.
func (b *Bus) Publish(ctx context.Context, topic string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if b.redis != nil {
		return b.redis.Publish(ctx, topic, data).Err()
	}

	b.mu.Lock()
	subs := append([]chan []byte(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- data:
		default:
			// slow subscriber drops the event rather than blocking the publisher
		}
	}
	return nil
}

// Subscription is a live subscription to a topic.
type Subscription struct {
	C       <-chan []byte
	close   func()
}

// Close ends the subscription.
func (s *Subscription) Close() { s.close() }

// Subscribe returns a channel of raw JSON event payloads for a topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) *Subscription {
	if b.redis != nil {
		ps := b.redis.Subscribe(ctx, topic)
		ch := make(chan []byte, 16)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case msg, ok := <-ps.Channel():
					if !ok {
						return
					}
					select {
					case ch <- []byte(msg.Payload):
					default:
					}
				}
			}
		}()
		return &Subscription{
			C: ch,
			close: func() {
				close(done)
				ps.Close()
			},
		}
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &Subscription{
		C: ch,
		close: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, c := range list {
				if c == ch {
					b.subs[topic] = append(list[:i], list[i+1:]...)
					break
				}
			}
		},
	}
}

// DocumentProgressEvent is published on DocumentProgressTopic as ingestion
// advances through its stages.
type DocumentProgressEvent struct {
	DocumentID int64  `json:"document_id"`
	Stage      string `json:"stage"`
	Progress   int    `json:"progress"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
}

// ChatStreamEvent is published on ChatStreamTopic for each streamed token
// and for the terminal stream_ended event.
type ChatStreamEvent struct {
	Type   string `json:"type"` // "token" or "stream_ended"
	Token  string `json:"token,omitempty"`
	Reason string `json:"reason,omitempty"` // set on stream_ended: "completed", "cancelled", "error"
}
