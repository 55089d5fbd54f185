package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry connects sessions to the shared presence state in Redis.
type Registry struct {
	client    *redis.Client
	ttl       time.Duration
	heartbeat time.Duration
}

// NewRegistry creates a registry from a Redis URL and verifies connectivity.
func NewRegistry(redisURL string, ttl, heartbeat time.Duration) (*Registry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRegistryWithClient(client, ttl, heartbeat), nil
}

// NewRegistryWithClient creates a registry from an existing Redis client.
func NewRegistryWithClient(client *redis.Client, ttl, heartbeat time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl, heartbeat: heartbeat}
}

// Close closes the Redis connection.
func (r *Registry) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func presenceKey(draftID string) string  { return "presence:" + draftID }
func syncChannel(draftID string) string  { return "presence.sync:" + draftID }
func eventChannel(draftID string) string { return "events:" + draftID }

// Snapshot reads the full member map for a draft, evicting entries unseen
// for longer than the TTL. The result is sorted by user id for stable
// rendering.
func (r *Registry) Snapshot(ctx context.Context, draftID string) ([]Entry, error) {
	fields, err := r.client.HGetAll(ctx, presenceKey(draftID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read presence hash: %w", err)
	}

	now := time.Now()
	entries := make([]Entry, 0, len(fields))
	for userID, raw := range fields {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Printf("presence: dropping malformed entry for %s: %v", userID, err)
			_ = r.client.HDel(ctx, presenceKey(draftID), userID).Err()
			continue
		}
		if entry.Stale(now, r.ttl) {
			_ = r.client.HDel(ctx, presenceKey(draftID), userID).Err()
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

// envelope is the wire shape of a generic broadcast event.
type envelope struct {
	Event   string          `json:"event"`
	Sender  string          `json:"sender"`
	Payload json.RawMessage `json:"payload"`
}

// Session is one participant's handle on a draft's presence channel.
type Session struct {
	registry *Registry
	draftID  string
	userID   string

	mu        sync.Mutex
	last      State
	syncFns   []func([]Entry)
	handlers  map[string][]func(json.RawMessage)
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	pubsub *redis.PubSub
}

// Join publishes the initial entry, subscribes to the draft's channels, and
// starts the snapshot reader and heartbeat. The returned session must be
// closed with Leave.
func (r *Registry) Join(ctx context.Context, draftID, userID string, initial State) (*Session, error) {
	s := &Session{
		registry: r,
		draftID:  draftID,
		userID:   userID,
		last:     initial,
		handlers: make(map[string][]func(json.RawMessage)),
		done:     make(chan struct{}),
	}

	if err := s.publishEntry(ctx, initial); err != nil {
		return nil, err
	}

	// Subscribe confirms before returning, so no sync published after Join
	// returns is missed.
	s.pubsub = r.client.Subscribe(ctx, syncChannel(draftID), eventChannel(draftID))
	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()
		return nil, fmt.Errorf("subscribe presence channels: %w", err)
	}

	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

// OnSync registers a callback fired with the full recomputed member list
// every time any member's state changes.
func (s *Session) OnSync(fn func([]Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncFns = append(s.syncFns, fn)
}

// On registers a handler for a broadcast event. Events from this session
// itself are not delivered back to it.
func (s *Session) On(event string, fn func(json.RawMessage)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// Publish replaces this participant's entry and notifies all members.
func (s *Session) Publish(ctx context.Context, state State) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("presence session closed")
	}
	s.last = state
	s.mu.Unlock()
	return s.publishEntry(ctx, state)
}

func (s *Session) publishEntry(ctx context.Context, state State) error {
	entry := Entry{
		UserID:         s.userID,
		DisplayName:    state.DisplayName,
		Color:          state.Color,
		Cursor:         state.Cursor,
		EditingSection: state.EditingSection,
		LiveContent:    state.LiveContent,
		LastSeenAt:     time.Now(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal presence entry: %w", err)
	}
	if err := s.registry.client.HSet(ctx, presenceKey(s.draftID), s.userID, raw).Err(); err != nil {
		return fmt.Errorf("write presence entry: %w", err)
	}
	if err := s.registry.client.Publish(ctx, syncChannel(s.draftID), s.userID).Err(); err != nil {
		return fmt.Errorf("notify presence sync: %w", err)
	}
	return nil
}

// Broadcast publishes a generic event to every other member. Best-effort:
// delivery is at-most-once and unordered relative to other members' sends.
func (s *Session) Broadcast(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	msg, err := json.Marshal(envelope{Event: event, Sender: s.userID, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal broadcast envelope: %w", err)
	}
	if err := s.registry.client.Publish(ctx, eventChannel(s.draftID), msg).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Leave removes the local entry from others' view and unsubscribes.
// Best-effort: not guaranteed if the process terminates abnormally, which is
// why snapshot reads evict by TTL.
func (s *Session) Leave(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)

		if delErr := s.registry.client.HDel(ctx, presenceKey(s.draftID), s.userID).Err(); delErr != nil {
			err = fmt.Errorf("remove presence entry: %w", delErr)
		}
		_ = s.registry.client.Publish(ctx, syncChannel(s.draftID), s.userID).Err()
		_ = s.pubsub.Close()
	})
	return err
}

func (s *Session) readLoop() {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switch msg.Channel {
			case syncChannel(s.draftID):
				s.deliverSnapshot()
			case eventChannel(s.draftID):
				s.deliverEvent(msg.Payload)
			}
		}
	}
}

// deliverSnapshot re-reads the full hash and fans it out. A read failure
// keeps the previous snapshot: callbacks simply do not fire, and the next
// notification repairs the view.
func (s *Session) deliverSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := s.registry.Snapshot(ctx, s.draftID)
	if err != nil {
		log.Printf("presence: snapshot read failed, keeping previous view: %v", err)
		return
	}

	s.mu.Lock()
	fns := make([]func([]Entry), len(s.syncFns))
	copy(fns, s.syncFns)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(entries)
	}
}

func (s *Session) deliverEvent(raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Printf("presence: dropping malformed event: %v", err)
		return
	}
	if env.Sender == s.userID {
		return
	}

	s.mu.Lock()
	fns := make([]func(json.RawMessage), len(s.handlers[env.Event]))
	copy(fns, s.handlers[env.Event])
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env.Payload)
	}
}

// heartbeatLoop republishes the last state so LastSeenAt stays fresh and
// other members' eviction sweeps see this participant as live.
func (s *Session) heartbeatLoop() {
	if s.registry.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(s.registry.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			state := s.last
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.publishEntry(ctx, state); err != nil {
				log.Printf("presence: heartbeat publish failed: %v", err)
			}
			cancel()
		}
	}
}
