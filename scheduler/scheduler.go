// Package scheduler runs periodic and delayed tasks on their own goroutines.
// Tasks are grouped by owner so a plugin's timers can be removed together on
// unload.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is the function signature for scheduled tasks.
type TaskFn func()

// HostOwner owns the host's own tasks.
const HostOwner = ""

// Scheduler manages periodic and delayed tasks.
type Scheduler struct {
	mu      sync.Mutex
	tickers map[string]*tickerEntry
	timers  map[string]*timerEntry
	logger  *zap.Logger
	stopCh  chan struct{}
	once    sync.Once
}

type tickerEntry struct {
	owner  string
	ticker *time.Ticker
	stopCh chan struct{}
}

type timerEntry struct {
	owner string
	timer *time.Timer
}

// New creates a new Scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tickers: make(map[string]*tickerEntry),
		timers:  make(map[string]*timerEntry),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
}

func key(owner, name string) string {
	if owner == HostOwner {
		return name
	}
	return owner + "/" + name
}

// AddTicker registers a host task to run on a fixed interval.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	s.AddOwnedTicker(HostOwner, name, interval, fn)
}

// AddOwnedTicker registers a task of owner to run on a fixed interval.
// If the owner already has a task with the same name, it is replaced.
func (s *Scheduler) AddOwnedTicker(owner, name string, interval time.Duration, fn TaskFn) {
	k := key(owner, name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tickers[k]; ok {
		close(old.stopCh)
		delete(s.tickers, k)
	}

	entry := &tickerEntry{
		owner:  owner,
		ticker: time.NewTicker(interval),
		stopCh: make(chan struct{}),
	}
	s.tickers[k] = entry

	go func() {
		defer entry.ticker.Stop()
		for {
			select {
			case <-entry.ticker.C:
				s.run(k, fn)
			case <-entry.stopCh:
				return
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", k), zap.Duration("interval", interval))
}

func (s *Scheduler) run(name string, fn TaskFn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", name),
				zap.Any("recover", r))
		}
	}()
	fn()
}

// AddDelay runs a host task once after the given delay.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.AddOwnedDelay(HostOwner, name, delay, fn)
}

// AddOwnedDelay runs fn once after delay on behalf of owner.
func (s *Scheduler) AddOwnedDelay(owner, name string, delay time.Duration, fn TaskFn) {
	k := key(owner, name)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.timers[k]; ok {
		old.timer.Stop()
	}
	entry := &timerEntry{owner: owner}
	entry.timer = time.AfterFunc(delay, func() {
		defer func() {
			s.mu.Lock()
			if s.timers[k] == entry {
				delete(s.timers, k)
			}
			s.mu.Unlock()
		}()
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.run(k, fn)
	})
	s.timers[k] = entry
}

// Remove stops and removes a host ticker or delay task by name.
func (s *Scheduler) Remove(name string) {
	s.RemoveOwned(HostOwner, name)
}

// RemoveOwned stops one task of owner.
func (s *Scheduler) RemoveOwned(owner, name string) {
	k := key(owner, name)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(k)
}

func (s *Scheduler) removeLocked(k string) {
	if entry, ok := s.tickers[k]; ok {
		close(entry.stopCh)
		delete(s.tickers, k)
	}
	if t, ok := s.timers[k]; ok {
		t.timer.Stop()
		delete(s.timers, k)
	}
}

// RemoveOwner stops every task of owner and returns how many were removed.
func (s *Scheduler) RemoveOwner(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.tickers {
		if e.owner == owner {
			s.removeLocked(k)
			n++
		}
	}
	for k, e := range s.timers {
		if e.owner == owner {
			s.removeLocked(k)
			n++
		}
	}
	if n > 0 {
		s.logger.Info("scheduler tasks removed", zap.String("owner", owner), zap.Int("count", n))
	}
	return n
}

// Stop stops all tasks.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
}

// ListTickers returns the names of all registered ticker tasks, sorted.
// Owned tasks are listed as owner/name.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tickers))
	for name := range s.tickers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
