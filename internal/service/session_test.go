package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrchat/zrchat-client/internal/assistant"
	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

type replyFunc func(ctx context.Context, req assistant.Request) (string, error)

func (f replyFunc) Reply(ctx context.Context, req assistant.Request) (string, error) { return f(ctx, req) }
func (f replyFunc) Name() string                                                     { return "test" }

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newSession(t *testing.T, responder assistant.Responder) (*gateway.Memory, *Session, *eventLog) {
	t.Helper()
	mem := gateway.NewMemory(model.Identity{ID: alice, Email: "alice@zr.chat"})
	seed(mem)
	s := NewSession(Options{
		Gateway:          mem,
		Assistant:        assistant.Options{Responder: responder, Sleep: noWait},
		ResubscribeDelay: 10 * time.Millisecond,
	})
	events := &eventLog{}
	s.Events().On(events.on)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(s.Disconnect)
	return mem, s, events
}

func TestSessionConnect(t *testing.T) {
	_, s, events := newSession(t, nil)

	assert.Equal(t, alice, s.Self().ID)
	assert.Equal(t, []string{model.AssistantConversationID, convAB, convAC}, listIDs(s.Conversations()))
	assert.NotEmpty(t, events.ofType(model.EventConversationsChanged))
	assert.Eventually(t, func() bool { return s.Presence().IsOnline(alice) }, time.Second, 5*time.Millisecond)
}

func TestSessionConnectUnauthenticated(t *testing.T) {
	mem := gateway.NewMemory(model.Identity{})
	s := NewSession(Options{Gateway: mem})
	err := s.Connect(context.Background())
	assert.ErrorIs(t, err, gateway.ErrUnauthenticated)

	_, err = s.Open(context.Background(), convAB)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSessionOpenMarksRead(t *testing.T) {
	mem, s, _ := newSession(t, nil)
	ctx := context.Background()
	mem.Seed(model.TableMessages, model.Row{"id": "m-1", "conversation_id": convAB, "sender_id": bob,
		"text": "oi", "sent_at": base.Format(time.RFC3339Nano), "is_read": false})

	msgs, err := s.Open(ctx, convAB)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, true, mem.Rows(model.TableMessages)[0]["is_read"])

	c, _ := s.Store().Get(convAB)
	assert.Zero(t, c.UnreadCount)
	for _, r := range mem.Rows(model.TableParticipants) {
		if r.String("conversation_id") == convAB && r.String("user_id") == alice {
			assert.Equal(t, 0, r["unread_count"])
		}
	}
}

func TestSessionRealtimeDelivery(t *testing.T) {
	mem, s, events := newSession(t, nil)
	ctx := context.Background()
	_, err := s.Open(ctx, convAB)
	require.NoError(t, err)

	_, err = mem.Insert(ctx, model.TableMessages, model.Row{"conversation_id": convAB, "sender_id": bob, "text": "chegou"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(events.ofType(model.EventNotify)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionSendHasNoDuplicates(t *testing.T) {
	_, s, _ := newSession(t, nil)
	ctx := context.Background()
	_, err := s.Open(ctx, convAB)
	require.NoError(t, err)

	msg, err := s.SendText(ctx, convAB, "uma vez")
	require.NoError(t, err)

	// give the echo time to arrive, then make sure it never duplicates
	assert.Never(t, func() bool {
		n := 0
		for _, m := range s.History() {
			if m.ID == msg.ID || m.Text == "uma vez" {
				n++
			}
		}
		return n != 1
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestSessionResubscribesAfterFeedLoss(t *testing.T) {
	mem, s, _ := newSession(t, nil)
	ctx := context.Background()
	_, err := s.Open(ctx, convAB)
	require.NoError(t, err)

	mem.DropFeeds()
	time.Sleep(100 * time.Millisecond)

	_, err = mem.Insert(ctx, model.TableMessages, model.Row{"conversation_id": convAB, "sender_id": bob, "text": "voltei"})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionMembershipChangeReloads(t *testing.T) {
	mem, s, _ := newSession(t, nil)
	ctx := context.Background()
	const convNew = "ffffffff-ffff-4fff-8fff-ffffffffffff"
	mem.Seed(model.TableConversations, model.Row{"id": convNew, "is_group": false, "is_archived": false})
	mem.Seed(model.TableParticipants, model.Row{"conversation_id": convNew, "user_id": dave})
	_, err := mem.Insert(ctx, model.TableParticipants, model.Row{"conversation_id": convNew, "user_id": alice})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := s.Store().Get(convNew)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestSessionAssistantExchange(t *testing.T) {
	var got assistant.Request
	_, s, _ := newSession(t, replyFunc(func(_ context.Context, req assistant.Request) (string, error) {
		got = req
		return "Claro!", nil
	}))
	ctx := context.Background()

	greeting, err := s.Open(ctx, model.AssistantConversationID)
	require.NoError(t, err)
	require.Len(t, greeting, 2)

	reply, err := s.SendText(ctx, model.AssistantConversationID, "  me ajuda <agora>  ")
	require.NoError(t, err)
	assert.Equal(t, "Claro!", reply.Text)
	assert.Equal(t, "me ajuda <agora>", got.Message)
	assert.Equal(t, alice, got.UserID)
	assert.Equal(t, "Alice", got.UserName)

	history := s.History()
	require.Len(t, history, 4)
	assert.Equal(t, "me ajuda &lt;agora&gt;", history[2].Text)

	_, err = s.SendMedia(ctx, model.AssistantConversationID, model.MediaImage, "a.png", "image/png", []byte("x"))
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.ErrorIs(t, s.Archive(ctx, model.AssistantConversationID), ErrNotPermitted)
}

func TestSessionLeavingAssistantCancelsExchange(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	_, s, events := newSession(t, replyFunc(func(ctx context.Context, _ assistant.Request) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx := context.Background()
	_, err := s.Open(ctx, model.AssistantConversationID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendText(ctx, model.AssistantConversationID, "oi")
		done <- err
	}()
	<-started
	_, err = s.Open(ctx, convAB)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("exchange not cancelled")
	}
	assert.Len(t, s.Bridge().Transcript(), 3, "greeting and the user's message only")
	assert.Empty(t, events.ofType(model.EventToast))
}

func TestSessionNavigationCancelsUnopenedAssistantExchange(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	_, s, events := newSession(t, replyFunc(func(ctx context.Context, _ assistant.Request) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return "", ctx.Err()
	}))
	ctx := context.Background()
	_, err := s.Open(ctx, convAC)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendText(ctx, model.AssistantConversationID, "oi")
		done <- err
	}()
	<-started
	_, err = s.Open(ctx, convAB)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("exchange not cancelled")
	}
	assert.EqualValues(t, 1, calls.Load())
	transcript := s.Bridge().Transcript()
	require.NotEmpty(t, transcript)
	assert.Equal(t, "oi", transcript[len(transcript)-1].Text)
	assert.Empty(t, events.ofType(model.EventToast))
}

func TestSessionPlaceholderFlow(t *testing.T) {
	mem, s, _ := newSession(t, nil)
	ctx := context.Background()

	conv, err := s.OpenDirect(ctx, dave)
	require.NoError(t, err)
	require.True(t, conv.IsPlaceholder)
	_, err = s.Open(ctx, conv.ID)
	require.NoError(t, err)

	msg, err := s.SendText(ctx, conv.ID, "primeira")
	require.NoError(t, err)
	assert.False(t, model.IsPlaceholderID(msg.ConversationID))
	assert.Equal(t, 2, countWhere(mem.Rows(model.TableParticipants), "conversation_id", msg.ConversationID))

	_, err = s.OpenDirect(ctx, alice)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestSessionUsers(t *testing.T) {
	_, s, _ := newSession(t, nil)
	users, err := s.Users(context.Background())
	require.NoError(t, err)
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.Name
	}
	assert.Equal(t, []string{"Bob", "Carol", "Dave"}, names)
}
