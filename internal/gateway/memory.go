package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zrchat/zrchat-client/internal/model"
)

// FaultFunc lets tests fail individual operations. op is one of query,
// insert, update, delete, subscribe, upload, join, identity or ping.
type FaultFunc func(op, table string) error

// Memory is an in-process Gateway. Writes are published to subscribers of
// the same process, which makes it usable both as a test double and as a
// single-user offline backend.
type Memory struct {
	mu       sync.Mutex
	tables   map[string][]model.Row
	subs     map[*memSub]struct{}
	presence map[string]map[*memPresence]model.PresenceState
	blobs    map[string][]byte
	identity model.Identity
	fault    FaultFunc
	now      func() time.Time
}

// NewMemory returns an empty in-memory gateway authenticated as self.
func NewMemory(self model.Identity) *Memory {
	return &Memory{
		tables:   make(map[string][]model.Row),
		subs:     make(map[*memSub]struct{}),
		presence: make(map[string]map[*memPresence]model.PresenceState),
		blobs:    make(map[string][]byte),
		identity: self,
		now:      time.Now,
	}
}

// SetFault installs fn as the fault hook. nil removes it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

// SetClock overrides the time source used for defaults.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Seed stores rows without publishing change events.
func (m *Memory) Seed(table string, rows ...model.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.tables[table] = append(m.tables[table], m.withDefaults(table, r.Clone()))
	}
}

// Rows returns a copy of every row stored in table.
func (m *Memory) Rows(table string) []model.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Row, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

// Blob returns the bytes uploaded under url.
func (m *Memory) Blob(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[url]
	return b, ok
}

// Publish delivers ev to matching subscribers without touching storage.
func (m *Memory) Publish(ev model.ChangeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(ev)
}

// DropFeeds closes every open change subscription, as a lost connection would.
func (m *Memory) DropFeeds() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[*memSub]struct{})
	m.mu.Unlock()
	for s := range subs {
		s.pump.Close()
	}
}

func (m *Memory) check(op, table string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, table)
}

// Query implements Tables.
func (m *Memory) Query(_ context.Context, table string, filter Filter, order Order) ([]model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("query", table); err != nil {
		return nil, err
	}
	var out []model.Row
	for _, r := range m.tables[table] {
		if filter.Match(r) {
			out = append(out, r.Clone())
		}
	}
	order.Sort(out)
	return out, nil
}

// Insert implements Tables.
func (m *Memory) Insert(_ context.Context, table string, row model.Row) (model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert", table); err != nil {
		return nil, err
	}
	stored := m.withDefaults(table, row.Clone())
	m.tables[table] = append(m.tables[table], stored)
	m.publishLocked(model.ChangeEvent{Table: table, Kind: model.ChangeInsert, Row: stored.Clone()})
	return stored.Clone(), nil
}

// Update implements Tables.
func (m *Memory) Update(_ context.Context, table string, filter Filter, patch model.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("update", table); err != nil {
		return err
	}
	for _, r := range m.tables[table] {
		if !filter.Match(r) {
			continue
		}
		old := r.Clone()
		for k, v := range patch {
			r[k] = v
		}
		m.publishLocked(model.ChangeEvent{Table: table, Kind: model.ChangeUpdate, Row: r.Clone(), Old: old})
	}
	return nil
}

// Delete implements Tables.
func (m *Memory) Delete(_ context.Context, table string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", table); err != nil {
		return err
	}
	kept := m.tables[table][:0]
	var removed []model.Row
	for _, r := range m.tables[table] {
		if filter.Match(r) {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	for _, r := range removed {
		m.publishLocked(model.ChangeEvent{Table: table, Kind: model.ChangeDelete, Old: r.Clone()})
	}
	return nil
}

// Ping implements Pinger.
func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping", "")
}

// CurrentUser implements Identity.
func (m *Memory) CurrentUser(context.Context) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("identity", ""); err != nil {
		return model.Identity{}, err
	}
	if m.identity.ID == "" {
		return model.Identity{}, ErrUnauthenticated
	}
	return m.identity, nil
}

// Upload implements Blobs.
func (m *Memory) Upload(_ context.Context, bucket, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("upload", bucket); err != nil {
		return "", err
	}
	url := fmt.Sprintf("memory://%s/%s", bucket, key)
	m.blobs[url] = append([]byte(nil), data...)
	return url, nil
}

func (m *Memory) withDefaults(table string, r model.Row) model.Row {
	if _, ok := r["id"]; !ok && table != model.TableParticipants {
		r["id"] = uuid.NewString()
	}
	switch table {
	case model.TableMessages:
		if _, ok := r["sent_at"]; !ok {
			r["sent_at"] = m.now().UTC().Format(time.RFC3339Nano)
		}
		if _, ok := r["is_read"]; !ok {
			r["is_read"] = false
		}
	case model.TableConversations:
		if _, ok := r["is_archived"]; !ok {
			r["is_archived"] = false
		}
		if _, ok := r["is_group"]; !ok {
			r["is_group"] = false
		}
	case model.TableParticipants:
		if _, ok := r["unread_count"]; !ok {
			r["unread_count"] = 0
		}
	}
	return r
}

func (m *Memory) publishLocked(ev model.ChangeEvent) {
	for s := range m.subs {
		if s.table == ev.Table && MatchesKind(s.kinds, ev.Kind) {
			s.pump.Push(ev)
		}
	}
}

type memSub struct {
	m     *Memory
	table string
	kinds []model.ChangeKind
	pump  *Pump[model.ChangeEvent]
}

// Subscribe implements ChangeFeed.
func (m *Memory) Subscribe(_ context.Context, table string, kinds ...model.ChangeKind) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("subscribe", table); err != nil {
		return nil, err
	}
	s := &memSub{m: m, table: table, kinds: kinds, pump: NewPump[model.ChangeEvent]()}
	m.subs[s] = struct{}{}
	return s, nil
}

func (s *memSub) Events() <-chan model.ChangeEvent { return s.pump.C() }

func (s *memSub) Close() error {
	s.m.mu.Lock()
	delete(s.m.subs, s)
	s.m.mu.Unlock()
	s.pump.Close()
	return nil
}

type memPresence struct {
	m       *Memory
	channel string
	pump    *Pump[model.PresenceEvent]
	once    sync.Once
}

// JoinPresence implements PresenceChannel. The joiner receives a sync with
// the current membership, other members receive a join.
func (m *Memory) JoinPresence(_ context.Context, channel string, state model.PresenceState) (PresenceSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("join", channel); err != nil {
		return nil, err
	}
	members := m.presence[channel]
	if members == nil {
		members = make(map[*memPresence]model.PresenceState)
		m.presence[channel] = members
	}
	p := &memPresence{m: m, channel: channel, pump: NewPump[model.PresenceEvent]()}
	for other := range members {
		other.pump.Push(model.PresenceEvent{Kind: model.PresenceJoin, Presences: []model.PresenceState{state}})
	}
	members[p] = state

	all := make([]model.PresenceState, 0, len(members))
	for _, st := range members {
		all = append(all, st)
	}
	p.pump.Push(model.PresenceEvent{Kind: model.PresenceSync, Presences: all})
	return p, nil
}

func (p *memPresence) Events() <-chan model.PresenceEvent { return p.pump.C() }

func (p *memPresence) Leave() error {
	p.once.Do(func() {
		p.m.mu.Lock()
		members := p.m.presence[p.channel]
		state, ok := members[p]
		delete(members, p)
		if ok {
			for other := range members {
				other.pump.Push(model.PresenceEvent{Kind: model.PresenceLeave, Presences: []model.PresenceState{state}})
			}
		}
		p.m.mu.Unlock()
		p.pump.Close()
	})
	return nil
}
