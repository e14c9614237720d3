// Package pebble implements conversation.Store on an embedded Pebble
// key-value database.
//
// Key layout:
//
//	conv/<id>                  conversation JSON
//	user/<userID>\x00<id>      ownership index, empty value
//	msg/<id>/<seq:020d>        message JSON
//	meta/seq                   last message sequence
package pebble

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/tokligence/streamchat/internal/chat"
	"github.com/tokligence/streamchat/internal/conversation"
)

var _ conversation.Store = (*Store)(nil)

var seqKey = []byte("meta/seq")

// Store implements conversation.Store backed by Pebble. Writers are
// serialised so that existence checks and sequence allocation stay atomic.
type Store struct {
	db  *pebble.DB
	mu  sync.Mutex
	seq int64
	now func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens (or creates) a Pebble database in dir.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
		return nil, fmt.Errorf("create conversation directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	v, closer, err := db.Get(seqKey)
	switch {
	case err == nil:
		s.seq = int64(binary.BigEndian.Uint64(v))
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		_ = db.Close()
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is still open.
func (s *Store) Ping(context.Context) error {
	_, closer, err := s.db.Get(seqKey)
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func convKey(id string) []byte { return []byte("conv/" + id) }

func userPrefix(userID string) []byte { return []byte("user/" + userID + "\x00") }

func userKey(userID, id string) []byte { return append(userPrefix(userID), id...) }

func msgPrefix(id string) []byte { return []byte("msg/" + id + "/") }

func msgKey(id string, seq int64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d", id, seq))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

type storedMessage struct {
	conversation.Message
	Seq int64 `json:"seq"`
}

func (s *Store) load(id string) (conversation.Conversation, error) {
	v, closer, err := s.db.Get(convKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Conversation{}, err
	}
	defer closer.Close()
	var c conversation.Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) Create(_ context.Context, userID, title string) (conversation.Conversation, error) {
	now := s.now().UTC()
	c := conversation.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	body, err := json.Marshal(c)
	if err != nil {
		return conversation.Conversation{}, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(convKey(c.ID), body, nil)
	_ = b.Set(userKey(userID, c.ID), nil, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return conversation.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *Store) Get(_ context.Context, id, userID string) (conversation.Conversation, error) {
	c, err := s.load(id)
	if err != nil {
		return conversation.Conversation{}, err
	}
	if c.UserID != userID {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return c, nil
}

func (s *Store) List(_ context.Context, userID string) ([]conversation.Conversation, error) {
	prefix := userPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	var ids []string
	for ok := iter.First(); ok; ok = iter.Next() {
		ids = append(ids, string(iter.Key()[len(prefix):]))
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]conversation.Conversation, 0, len(ids))
	for _, id := range ids {
		c, err := s.load(id)
		if errors.Is(err, conversation.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Delete(_ context.Context, userID string, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	n := 0
	for _, id := range ids {
		c, err := s.load(id)
		if errors.Is(err, conversation.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if c.UserID != userID {
			continue
		}
		prefix := msgPrefix(id)
		_ = b.Delete(convKey(id), nil)
		_ = b.Delete(userKey(userID, id), nil)
		_ = b.DeleteRange(prefix, upperBound(prefix), nil)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("delete conversations: %w", err)
	}
	return n, nil
}

func (s *Store) AppendMessage(_ context.Context, conversationID string, msg chat.Message) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.load(conversationID); err != nil {
		return conversation.Message{}, err
	}
	seq := s.seq + 1
	m := conversation.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      s.now().UTC(),
		Seq:            seq,
	}
	body, err := json.Marshal(storedMessage{Message: m, Seq: seq})
	if err != nil {
		return conversation.Message{}, err
	}
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(seq))

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(msgKey(conversationID, seq), body, nil)
	_ = b.Set(seqKey, counter[:], nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return conversation.Message{}, fmt.Errorf("insert message: %w", err)
	}
	s.seq = seq
	return m, nil
}

func (s *Store) Messages(_ context.Context, conversationID string) ([]conversation.Message, error) {
	if _, err := s.load(conversationID); err != nil {
		return nil, err
	}
	prefix := msgPrefix(conversationID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []conversation.Message
	for ok := iter.First(); ok; ok = iter.Next() {
		var sm storedMessage
		if err := json.Unmarshal(iter.Value(), &sm); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		sm.Message.Seq = sm.Seq
		out = append(out, sm.Message)
	}
	sort.SliceStable(out, func(i, j int) bool { return conversation.Less(out[i], out[j]) })
	return out, nil
}

func (s *Store) Touch(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.load(conversationID)
	if err != nil {
		return err
	}
	c.UpdatedAt = s.now().UTC()
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := s.db.Set(convKey(conversationID), body, pebble.Sync); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
