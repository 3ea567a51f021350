// Package freshness implements the coarse "something changed" hint that
// clients poll to decide whether to reload the board or the chat.
package freshness

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Loader reads the persisted high-water marks used to seed the counters.
type Loader interface {
	MaxCardID(ctx context.Context) (int64, error)
	MaxChatMessageID(ctx context.Context) (int64, error)
}

// Snapshot is one poll result. Timestamp is Unix nanoseconds.
type Snapshot struct {
	Timestamp  int64
	LastChatID int64
	LastCardID int64
}

// Seconds returns the timestamp as fractional Unix seconds.
func (s Snapshot) Seconds() float64 {
	return float64(s.Timestamp) / float64(time.Second)
}

// Signal holds the process-wide freshness state. Each field advances
// independently and never moves backwards.
type Signal struct {
	loader     Loader
	now        func() time.Time
	timestamp  atomic.Int64
	lastChatID atomic.Int64
	lastCardID atomic.Int64
	chatSeeded atomic.Bool
	cardSeeded atomic.Bool
}

// New returns a Signal whose timestamp starts at process start. The counters
// stay unset until the first poll reads them from loader, or until a
// mutation advances them.
func New(loader Loader) *Signal {
	return newWithClock(loader, time.Now)
}

func newWithClock(loader Loader, now func() time.Time) *Signal {
	s := &Signal{loader: loader, now: now}
	s.timestamp.Store(now().UnixNano())
	return s
}

// Poll returns the current tuple. Each counter is read from storage once,
// on the first poll that finds it unseeded; a storage error leaves it
// unseeded so a later poll retries.
func (s *Signal) Poll(ctx context.Context) Snapshot {
	if s.loader != nil {
		s.seed(ctx, &s.chatSeeded, &s.lastChatID, s.loader.MaxChatMessageID, "freshness.chat_seed_failed")
		s.seed(ctx, &s.cardSeeded, &s.lastCardID, s.loader.MaxCardID, "freshness.card_seed_failed")
	}
	return Snapshot{
		Timestamp:  s.timestamp.Load(),
		LastChatID: s.lastChatID.Load(),
		LastCardID: s.lastCardID.Load(),
	}
}

func (s *Signal) seed(ctx context.Context, seeded *atomic.Bool, field *atomic.Int64, load func(context.Context) (int64, error), event string) {
	if seeded.Load() {
		return
	}
	id, err := load(ctx)
	if err != nil {
		log.WithError(err).Warn(event)
		return
	}
	advance(field, id)
	seeded.Store(true)
}

// Touch records a committed mutation.
func (s *Signal) Touch() {
	advance(&s.timestamp, s.now().UnixNano())
}

// AdvanceCard raises the card counter to id if id is higher.
// A counter advanced before its first poll no longer needs seeding.
func (s *Signal) AdvanceCard(id int64) {
	advance(&s.lastCardID, id)
	s.cardSeeded.Store(true)
}

// AdvanceChat raises the chat counter to id if id is higher.
func (s *Signal) AdvanceChat(id int64) {
	advance(&s.lastChatID, id)
	s.chatSeeded.Store(true)
}

func advance(field *atomic.Int64, value int64) {
	for {
		current := field.Load()
		if value <= current {
			return
		}
		if field.CompareAndSwap(current, value) {
			return
		}
	}
}
