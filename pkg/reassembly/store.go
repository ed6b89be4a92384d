// Package reassembly rebuilds payloads from fragments observed on a broadcast medium.
//
// Fragments can arrive in any order, interleaved across senders and messages, duplicated, or not
// at all. A [Store] buffers them per sender and message id, yields the payload once every index
// has been seen, and forgets partial messages that outlive its timeout.
package reassembly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teslamotors/ble-broadcast/internal/log"
	"github.com/teslamotors/ble-broadcast/pkg/fragment"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultSweepInterval = 5 * time.Second
)

// Kind classifies the result of ingesting a frame.
type Kind int

const (
	// Pending means the frame was a fragment and its message is still incomplete.
	Pending Kind = iota
	// Complete means the frame supplied the last missing fragment of a message.
	Complete
	// NotFragmented means the frame is a whole message on its own.
	NotFragmented
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case NotFragmented:
		return "not_fragmented"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Outcome is returned by [Store.Ingest]. Payload is set for Complete and NotFragmented outcomes.
type Outcome struct {
	Kind       Kind
	Payload    []byte
	TotalCount int
}

// Key identifies a message being reassembled.
type Key struct {
	Sender    string
	MessageID uint8
}

func (k Key) String() string {
	return fmt.Sprintf("%s_%d", k.Sender, k.MessageID)
}

type buffer struct {
	totalCount  uint8
	received    map[uint8][]byte
	firstSeenAt time.Time
}

// Store holds partially received messages. It is safe for concurrent use.
type Store struct {
	timeout time.Duration

	lock    sync.Mutex
	buffers map[Key]*buffer
}

// NewStore returns a Store that evicts partial messages older than timeout. A non-positive
// timeout selects DefaultTimeout.
func NewStore(timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{
		timeout: timeout,
		buffers: make(map[Key]*buffer),
	}
}

// Timeout returns the age after which partial messages are evicted.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// Ingest records a frame received from sender at time now.
//
// A frame with a total count of 1 is returned as NotFragmented without its header. Malformed
// frames are never an error: frames too short to hold a fragment header, and frames whose header
// does not describe a fragment, are returned whole as NotFragmented.
func (s *Store) Ingest(sender string, frame []byte, now time.Time) Outcome {
	header, ok := fragment.ParseHeader(frame)
	if ok && header.Single() {
		return Outcome{Kind: NotFragmented, Payload: frame[header.DataOffset:], TotalCount: 1}
	}
	if !ok || !header.Fragmented() {
		return Outcome{Kind: NotFragmented, Payload: frame, TotalCount: 1}
	}

	key := Key{Sender: sender, MessageID: header.MessageID}
	data := make([]byte, len(frame)-header.DataOffset)
	copy(data, frame[header.DataOffset:])

	s.lock.Lock()
	defer s.lock.Unlock()

	buf, ok := s.buffers[key]
	if ok && buf.totalCount != header.TotalCount {
		// Two messages drew the same id; keep the one that is arriving now.
		log.Warning("Resetting reassembly of %s: fragment count changed from %d to %d", key, buf.totalCount, header.TotalCount)
		ok = false
	}
	if !ok {
		buf = &buffer{
			totalCount:  header.TotalCount,
			received:    make(map[uint8][]byte, header.TotalCount),
			firstSeenAt: now,
		}
		s.buffers[key] = buf
		log.Debug("Started reassembly of %s (%d fragments)", key, header.TotalCount)
	}

	buf.received[header.Index] = data
	log.Debug("Stored fragment %d/%d of %s", int(header.Index)+1, header.TotalCount, key)

	payload, complete := buf.assemble()
	if !complete {
		return Outcome{Kind: Pending, TotalCount: int(header.TotalCount)}
	}
	delete(s.buffers, key)
	log.Info("Reassembled %d bytes from %d fragments of %s", len(payload), buf.totalCount, key)
	return Outcome{Kind: Complete, Payload: payload, TotalCount: int(buf.totalCount)}
}

// assemble concatenates the fragments in index order if every index is present.
func (b *buffer) assemble() ([]byte, bool) {
	if len(b.received) != int(b.totalCount) {
		return nil, false
	}
	size := 0
	for i := 0; i < int(b.totalCount); i++ {
		data, ok := b.received[uint8(i)]
		if !ok {
			return nil, false
		}
		size += len(data)
	}
	payload := make([]byte, 0, size)
	for i := 0; i < int(b.totalCount); i++ {
		payload = append(payload, b.received[uint8(i)]...)
	}
	return payload, true
}

// Sweep evicts partial messages first seen more than the timeout before now and returns their keys.
func (s *Store) Sweep(now time.Time) []Key {
	s.lock.Lock()
	defer s.lock.Unlock()

	var evicted []Key
	for key, buf := range s.buffers {
		if now.Sub(buf.firstSeenAt) > s.timeout {
			evicted = append(evicted, key)
			delete(s.buffers, key)
			log.Warning("Removing incomplete reassembly of %s (%d/%d fragments)", key, len(buf.received), buf.totalCount)
		}
	}
	return evicted
}

// Pending returns the number of messages currently being reassembled.
func (s *Store) Pending() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.buffers)
}

// Received returns how many distinct fragments of key have arrived, and the message's fragment
// count. ok is false if no reassembly is in progress for key.
func (s *Store) Received(key Key) (received, total int, ok bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf, ok := s.buffers[key]
	if !ok {
		return 0, 0, false
	}
	return len(buf.received), int(buf.totalCount), true
}

// RunSweeper calls Sweep every interval until ctx is canceled. A nil clock uses time.Now.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, clock func() time.Time) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(clock())
		case <-ctx.Done():
			return
		}
	}
}
