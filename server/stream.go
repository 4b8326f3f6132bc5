package server

import (
	"io"
	"sync"
)

// LogChunk is one tagged byte chunk forwarded by an AggregateStream.
// Tag identifies the source Worker by pool index — a plain identifier,
// never a back-reference to the Worker or Pool itself.
type LogChunk struct {
	Tag  int
	Data []byte
}

type logSubscriber struct {
	ch chan LogChunk
}

// AggregateStream is a fan-in: it accepts (source-stream, tag)
// registrations via Register and re-emits each chunk read from that
// source, tagged, to every current subscriber. Apart from each
// subscriber's channel buffer (256 chunks; further chunks are dropped
// for that subscriber while it is full), it buffers nothing beyond what
// the registered readers themselves buffer.
type AggregateStream struct {
	mu   sync.RWMutex
	subs map[*logSubscriber]struct{}
}

// NewAggregateStream creates an empty fan-in hub.
func NewAggregateStream() *AggregateStream {
	return &AggregateStream{subs: make(map[*logSubscriber]struct{})}
}

// Register starts copying r in the background, tagging each chunk read
// with tag, until r returns an error (including io.EOF, e.g. the child
// process exiting).
func (s *AggregateStream) Register(r io.Reader, tag int) {
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.publish(LogChunk{Tag: tag, Data: chunk})
			}
			if err != nil {
				return
			}
		}
	}()
}

func (s *AggregateStream) publish(c LogChunk) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sub := range s.subs {
		select {
		case sub.ch <- c:
		default:
			// slow / backed-up subscriber drops the chunk
		}
	}
}

// Subscribe returns a channel of tagged chunks and a cancel function
// that unsubscribes and closes the channel.
func (s *AggregateStream) Subscribe() (<-chan LogChunk, func()) {
	sub := &logSubscriber{ch: make(chan LogChunk, 256)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[sub]; ok {
			delete(s.subs, sub)
			close(sub.ch)
		}
		s.mu.Unlock()
	}
}
