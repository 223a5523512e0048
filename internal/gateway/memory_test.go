package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func TestMemoryQueryFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "me"})
	m.Seed(model.TableMessages,
		model.Row{"id": "m2", "conversation_id": "c1", "sent_at": "2024-01-01T10:00:02Z"},
		model.Row{"id": "m1", "conversation_id": "c1", "sent_at": "2024-01-01T10:00:01Z"},
		model.Row{"id": "m3", "conversation_id": "c2", "sent_at": "2024-01-01T10:00:00Z"},
	)

	rows, err := m.Query(ctx, model.TableMessages, gateway.Where(gateway.Eq("conversation_id", "c1")), gateway.Asc("sent_at"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m1", rows[0]["id"])
	assert.Equal(t, "m2", rows[1]["id"])

	rows, err = m.Query(ctx, model.TableMessages, gateway.Where(gateway.In("id", []string{"m1", "m3"})), gateway.Desc("sent_at"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "m1", rows[0]["id"])
}

func TestMemoryInsertDefaultsAndPublishes(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "me"})

	sub, err := m.Subscribe(ctx, model.TableMessages, model.ChangeInsert)
	require.NoError(t, err)
	defer sub.Close()

	row, err := m.Insert(ctx, model.TableMessages, model.Row{"conversation_id": "c1", "sender_id": "me", "text": "oi"})
	require.NoError(t, err)
	assert.NotEmpty(t, row["id"])
	assert.NotEmpty(t, row["sent_at"])
	assert.Equal(t, false, row["is_read"])

	ev := receive(t, sub.Events())
	assert.Equal(t, model.ChangeInsert, ev.Kind)
	assert.Equal(t, row["id"], ev.Row["id"])

	// update is filtered out by kind
	require.NoError(t, m.Update(ctx, model.TableMessages, gateway.Where(gateway.Eq("id", row["id"])), model.Row{"is_read": true}))
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "me"})
	boom := errors.New("boom")
	m.SetFault(func(op, table string) error {
		if op == "insert" && table == model.TableMessages {
			return boom
		}
		return nil
	})

	_, err := m.Insert(ctx, model.TableMessages, model.Row{"text": "x"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Rows(model.TableMessages))

	_, err = m.Insert(ctx, model.TableUsers, model.Row{"name": "ok"})
	assert.NoError(t, err)
}

func TestMemoryDeletePublishesOld(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "me"})
	m.Seed(model.TableParticipants, model.Row{"conversation_id": "c1", "user_id": "me"})
	sub, err := m.Subscribe(ctx, model.TableParticipants)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Delete(ctx, model.TableParticipants, gateway.Where(gateway.Eq("conversation_id", "c1"))))
	ev := receive(t, sub.Events())
	assert.Equal(t, model.ChangeDelete, ev.Kind)
	assert.Equal(t, "me", ev.Old["user_id"])
	assert.Empty(t, m.Rows(model.TableParticipants))
}

func TestMemoryDropFeedsClosesSubscriptions(t *testing.T) {
	m := gateway.NewMemory(model.Identity{ID: "me"})
	sub, err := m.Subscribe(context.Background(), model.TableMessages)
	require.NoError(t, err)

	m.DropFeeds()
	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMemoryPresence(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "a"})

	a, err := m.JoinPresence(ctx, "online", model.PresenceState{UserID: "a"})
	require.NoError(t, err)
	ev := receive(t, a.Events())
	assert.Equal(t, model.PresenceSync, ev.Kind)
	assert.Len(t, ev.Presences, 1)

	b, err := m.JoinPresence(ctx, "online", model.PresenceState{UserID: "b"})
	require.NoError(t, err)
	ev = receive(t, b.Events())
	assert.Equal(t, model.PresenceSync, ev.Kind)
	assert.Len(t, ev.Presences, 2)

	ev = receive(t, a.Events())
	assert.Equal(t, model.PresenceJoin, ev.Kind)
	assert.Equal(t, "b", ev.Presences[0].UserID)

	require.NoError(t, b.Leave())
	require.NoError(t, b.Leave())
	ev = receive(t, a.Events())
	assert.Equal(t, model.PresenceLeave, ev.Kind)
	assert.Equal(t, "b", ev.Presences[0].UserID)
}

func TestMemoryUploadAndIdentity(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "me", Email: "me@x"})
	url, err := m.Upload(ctx, "chat-images", "me/1.png", "image/png", []byte{1, 2})
	require.NoError(t, err)
	b, ok := m.Blob(url)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, b)

	id, err := m.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, "me@x", id.Email)

	_, err = gateway.NewMemory(model.Identity{}).CurrentUser(ctx)
	assert.ErrorIs(t, err, gateway.ErrUnauthenticated)
}

func TestComposeAndDirBlobs(t *testing.T) {
	ctx := context.Background()
	m := gateway.NewMemory(model.Identity{ID: "me"})
	blobs := gateway.DirBlobs{Dir: t.TempDir(), BaseURL: "http://localhost:8080/media/"}
	g := gateway.Compose(m, m, blobs, gateway.StaticIdentity{ID: "me"}, m)

	url, err := g.Upload(ctx, "img", "me/a.png", "image/png", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/media/img/me/a.png", url)

	_, err = g.Upload(ctx, "img", "../../etc/passwd", "text/plain", []byte("x"))
	assert.ErrorIs(t, err, gateway.ErrPermission)

	closed := 0
	g.OnClose(func() error { closed++; return nil })
	require.NoError(t, g.Close())
	assert.Equal(t, 1, closed)

	m.SetFault(func(op, _ string) error {
		if op == "ping" {
			return gateway.ErrUnavailable
		}
		return nil
	})
	assert.ErrorIs(t, g.Ping(ctx), gateway.ErrUnavailable)
}
