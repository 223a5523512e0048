package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/metrics"
)

// PresenceTracker keeps the set of online users from a presence channel.
// A user is online while at least one of their presences is on the channel.
type PresenceTracker struct {
	channel  gateway.PresenceChannel
	name     string
	logger   *logger.Logger
	onChange func(userID string, online bool)
	now      func() time.Time

	mu     sync.RWMutex
	counts map[string]int
	sub    gateway.PresenceSubscription
	done   chan struct{}
}

// NewPresenceTracker creates a tracker for the named channel. onChange is
// called outside the tracker's lock for every user whose state flips.
func NewPresenceTracker(channel gateway.PresenceChannel, name string, onChange func(userID string, online bool), log *logger.Logger) *PresenceTracker {
	if log == nil {
		log = logger.NewNop()
	}
	if onChange == nil {
		onChange = func(string, bool) {}
	}
	return &PresenceTracker{
		channel:  channel,
		name:     name,
		logger:   log.Named("presence"),
		onChange: onChange,
		now:      time.Now,
		counts:   make(map[string]int),
	}
}

// Start joins the channel advertising selfID. State is rebuilt from the
// first sync.
func (p *PresenceTracker) Start(ctx context.Context, selfID string) error {
	sub, err := p.channel.JoinPresence(ctx, p.name, model.PresenceState{UserID: selfID, JoinedAt: p.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to join presence channel: %w", err)
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.sub = sub
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		for ev := range sub.Events() {
			p.Apply(ev)
		}
	}()
	p.logger.Debug("joined presence channel", zap.String("channel", p.name))
	return nil
}

// Done is closed when the current subscription ends.
func (p *PresenceTracker) Done() <-chan struct{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.done
}

// Stop leaves the channel and clears state.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	sub, done := p.sub, p.done
	p.sub = nil
	p.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Leave(); err != nil {
		p.logger.Warn("failed to leave presence channel", zap.Error(err))
	}
	<-done
	p.reset()
}

// Apply folds one presence event into the online set.
func (p *PresenceTracker) Apply(ev model.PresenceEvent) {
	p.mu.Lock()
	before := make(map[string]bool, len(p.counts))
	for id := range p.counts {
		before[id] = true
	}
	switch ev.Kind {
	case model.PresenceSync:
		p.counts = make(map[string]int, len(ev.Presences))
		for _, st := range ev.Presences {
			p.counts[st.UserID]++
		}
	case model.PresenceJoin:
		for _, st := range ev.Presences {
			p.counts[st.UserID]++
		}
	case model.PresenceLeave:
		for _, st := range ev.Presences {
			if p.counts[st.UserID] <= 1 {
				delete(p.counts, st.UserID)
			} else {
				p.counts[st.UserID]--
			}
		}
	}
	changes := diffOnline(before, p.counts)
	metrics.PresenceOnline.Set(float64(len(p.counts)))
	p.mu.Unlock()

	for id, online := range changes {
		p.onChange(id, online)
	}
}

// IsOnline reports whether userID is present.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counts[userID] > 0
}

// Online returns the online user ids, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.counts))
	for id := range p.counts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *PresenceTracker) reset() {
	p.Apply(model.PresenceEvent{Kind: model.PresenceSync})
}

func diffOnline(before map[string]bool, after map[string]int) map[string]bool {
	changes := make(map[string]bool)
	for id := range before {
		if after[id] == 0 {
			changes[id] = false
		}
	}
	for id := range after {
		if !before[id] {
			changes[id] = true
		}
	}
	return changes
}
