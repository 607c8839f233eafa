package local

import (
	"context"
	"sync"
)

type Message struct {
	Channel string
	Payload string
}

type subscription struct {
	ch   chan Message
	once sync.Once
}

// PubSub fans notices out to in-process subscribers. A subscriber whose
// buffer is full misses the message.
type PubSub struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	bufSize int
}

func NewPubSub(bufSize int) *PubSub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &PubSub{subs: make(map[string]map[*subscription]struct{}), bufSize: bufSize}
}

func (ps *PubSub) Publish(_ context.Context, channel, payload string) error {
	msg := Message{Channel: channel, Payload: payload}
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	for s := range ps.subs[channel] {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe is active on return. The cancel func closes the channel and may
// be called more than once.
func (ps *PubSub) Subscribe(channels ...string) (<-chan Message, func()) {
	s := &subscription{ch: make(chan Message, ps.bufSize)}
	ps.mu.Lock()
	for _, c := range channels {
		set := ps.subs[c]
		if set == nil {
			set = make(map[*subscription]struct{})
			ps.subs[c] = set
		}
		set[s] = struct{}{}
	}
	ps.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			ps.mu.Lock()
			for _, c := range channels {
				delete(ps.subs[c], s)
				if len(ps.subs[c]) == 0 {
					delete(ps.subs, c)
				}
			}
			ps.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}
