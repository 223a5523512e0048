package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
	carol = "33333333-3333-4333-8333-333333333333"
	dave  = "44444444-4444-4444-8444-444444444444"

	convAB = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"
	convAC = "cccccccc-cccc-4ccc-8ccc-cccccccccccc"
)

var base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type eventLog struct {
	mu     sync.Mutex
	events []model.Event
}

func (l *eventLog) on(ev model.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(typ model.EventType) []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}

type harness struct {
	mem      *gateway.Memory
	emitter  *Emitter
	events   *eventLog
	store    *ConversationStore
	receipts *ReadReceipts
	rec      *MessageReconciler
}

// echoFirst delivers the realtime insert before Insert returns, the way a
// fast change feed can.
type echoFirst struct {
	gateway.Tables
	deliver func(model.ChangeEvent)
}

func (e *echoFirst) Insert(ctx context.Context, table string, row model.Row) (model.Row, error) {
	out, err := e.Tables.Insert(ctx, table, row)
	if err == nil && table == model.TableMessages && e.deliver != nil {
		e.deliver(model.ChangeEvent{Table: table, Kind: model.ChangeInsert, Row: out.Clone()})
	}
	return out, err
}

func seed(mem *gateway.Memory) {
	mem.Seed(model.TableUsers,
		model.Row{"id": alice, "name": "Alice", "email": "alice@zr.chat", "is_online": false},
		model.Row{"id": bob, "name": "Bob", "email": "bob@zr.chat", "is_online": "true"},
		model.Row{"id": carol, "name": "Carol", "email": "carol@zr.chat", "is_online": false},
		model.Row{"id": dave, "name": "Dave", "email": "dave@zr.chat", "is_online": false},
	)
	mem.Seed(model.TableConversations,
		model.Row{"id": convAB, "is_group": false, "is_archived": "false", "last_message_at": base.Add(-time.Hour).Format(time.RFC3339)},
		model.Row{"id": convAC, "is_group": false, "is_archived": false, "last_message_at": base.Add(-2 * time.Hour).Format(time.RFC3339)},
	)
	mem.Seed(model.TableParticipants,
		model.Row{"conversation_id": convAB, "user_id": alice, "unread_count": 2},
		model.Row{"conversation_id": convAB, "user_id": bob, "unread_count": 0},
		model.Row{"conversation_id": convAC, "user_id": alice, "unread_count": 0},
		model.Row{"conversation_id": convAC, "user_id": carol, "unread_count": 0},
	)
}

func newHarness(t *testing.T, wrap func(gateway.Tables) gateway.Tables) *harness {
	t.Helper()
	mem := gateway.NewMemory(model.Identity{ID: alice, Email: "alice@zr.chat"})
	tick := base
	var clockMu sync.Mutex
	mem.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	})
	seed(mem)

	var tables gateway.Tables = mem
	if wrap != nil {
		tables = wrap(mem)
	}
	events := &eventLog{}
	emitter := NewEmitter(nil)
	emitter.On(events.on)
	store := NewConversationStore(tables, emitter, nil)
	receipts := NewReadReceipts(tables, nil)
	rec := NewMessageReconciler(tables, mem, store, receipts, nil, emitter, DefaultBuckets, nil)

	_, err := store.Load(context.Background(), alice)
	require.NoError(t, err)
	t.Cleanup(store.Wait)
	return &harness{mem: mem, emitter: emitter, events: events, store: store, receipts: receipts, rec: rec}
}

func (h *harness) seedMessage(id, conv, sender, text string, at time.Time, read bool) model.Row {
	row := model.Row{
		"id":              id,
		"conversation_id": conv,
		"sender_id":       sender,
		"text":            text,
		"sent_at":         at.Format(time.RFC3339Nano),
		"is_read":         read,
	}
	h.mem.Seed(model.TableMessages, row)
	return row
}

func countWhere(rows []model.Row, key, value string) int {
	n := 0
	for _, r := range rows {
		if r.String(key) == value {
			n++
		}
	}
	return n
}
