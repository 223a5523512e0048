package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/validation"
)

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertOrdered(t *testing.T, msgs []model.Message) {
	t.Helper()
	assert.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) }),
		"messages out of order: %v", ids(msgs))
}

func TestLoadHistoryAscending(t *testing.T) {
	h := newHarness(t, nil)
	h.seedMessage("m-2", convAB, bob, "segunda", base.Add(-time.Minute), true)
	h.seedMessage("m-1", convAB, alice, "primeira", base.Add(-2*time.Minute), true)
	h.seedMessage("m-x", convAC, carol, "outra", base, false)

	msgs, err := h.rec.LoadHistory(context.Background(), convAB)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1", "m-2"}, ids(msgs))
	assert.Equal(t, convAB, h.rec.OpenID())
	assert.Equal(t, model.OriginConfirmed, msgs[0].Origin)
}

func TestLoadHistoryAssistantNotPermitted(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.rec.LoadHistory(context.Background(), model.AssistantConversationID)
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestSendTextReplacesOptimisticEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedMessage("m-1", convAB, bob, "oi", base.Add(-time.Minute), true)
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)
	h.events.reset()

	msg, err := h.rec.SendText(ctx, convAB, "  tudo bem?  ")
	require.NoError(t, err)
	assert.False(t, model.IsTempID(msg.ID))
	assert.Equal(t, "tudo bem?", msg.Text)
	assert.Equal(t, model.OriginConfirmed, msg.Origin)

	appended := h.events.ofType(model.EventMessageAppended)
	require.Len(t, appended, 1)
	tempID := appended[0].Message.ID
	assert.True(t, model.IsTempID(tempID))
	assert.Equal(t, model.OriginOptimistic, appended[0].Message.Origin)

	confirmed := h.events.ofType(model.EventMessageConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, tempID, confirmed[0].ReplacedID)
	assert.Equal(t, msg.ID, confirmed[0].Message.ID)

	assert.Equal(t, []string{"m-1", msg.ID}, ids(h.rec.Messages()))

	// the echo arriving after the confirmation is dropped
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: h.mem.Rows(model.TableMessages)[1]})
	assert.Equal(t, []string{"m-1", msg.ID}, ids(h.rec.Messages()))

	conv, ok := h.store.Get(convAB)
	require.True(t, ok)
	assert.Equal(t, "tudo bem?", conv.LastMessagePreview)
}

func TestSendTextEchoBeforeInsertReturns(t *testing.T) {
	var h *harness
	h = newHarness(t, func(inner gateway.Tables) gateway.Tables {
		return &echoFirst{Tables: inner, deliver: func(ev model.ChangeEvent) {
			h.rec.OnRealtimeInsert(context.Background(), ev)
		}}
	})
	ctx := context.Background()
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	msg, err := h.rec.SendText(ctx, convAB, "rápido")
	require.NoError(t, err)

	msgs := h.rec.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, model.OriginConfirmed, msgs[0].Origin)

	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: h.mem.Rows(model.TableMessages)[0]})
	assert.Len(t, h.rec.Messages(), 1)
}

func TestSendSameTextTwiceKeepsBoth(t *testing.T) {
	var h *harness
	h = newHarness(t, func(inner gateway.Tables) gateway.Tables {
		return &echoFirst{Tables: inner, deliver: func(ev model.ChangeEvent) {
			h.rec.OnRealtimeInsert(context.Background(), ev)
		}}
	})
	ctx := context.Background()
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	first, err := h.rec.SendText(ctx, convAB, "ok")
	require.NoError(t, err)
	second, err := h.rec.SendText(ctx, convAB, "ok")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []string{first.ID, second.ID}, ids(h.rec.Messages()))
}

func TestSendFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedMessage("m-1", convAB, bob, "oi", base, true)
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)
	h.events.reset()

	h.mem.SetFault(func(op, table string) error {
		if op == "insert" && table == model.TableMessages {
			return gateway.ErrUnavailable
		}
		return nil
	})
	_, err = h.rec.SendText(ctx, convAB, "não vai")
	require.ErrorIs(t, err, gateway.ErrUnavailable)

	assert.Equal(t, []string{"m-1"}, ids(h.rec.Messages()))
	require.Len(t, h.events.ofType(model.EventMessageAppended), 1)
	removed := h.events.ofType(model.EventMessageRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, h.events.ofType(model.EventMessageAppended)[0].Message.ID, removed[0].Message.ID)

	toasts := h.events.ofType(model.EventToast)
	require.Len(t, toasts, 1)
	assert.Equal(t, model.ToastError, toasts[0].Toast.Level)
	assert.Equal(t, "Erro ao enviar mensagem", toasts[0].Toast.Title)
	assert.Empty(t, h.mem.Rows(model.TableMessages)[1:])
}

func TestSendRejectsInvalidText(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.rec.LoadHistory(context.Background(), convAB)
	require.NoError(t, err)
	h.events.reset()

	_, err = h.rec.SendText(context.Background(), convAB, "   ")
	assert.True(t, validation.IsValidation(err))
	_, err = h.rec.SendText(context.Background(), convAB, `<script>alert(1)</script>`)
	assert.True(t, validation.IsValidation(err))

	assert.Empty(t, h.events.ofType(model.EventMessageAppended))
	assert.Empty(t, h.mem.Rows(model.TableMessages))
}

func TestOptimisticTimestampNeverPrecedesLast(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedMessage("m-1", convAB, bob, "do futuro", base.Add(time.Hour), true)
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	h.rec.now = func() time.Time { return base }
	h.mem.SetFault(func(op, table string) error {
		if op == "insert" && table == model.TableMessages {
			// inspect the list while the send is in flight
			msgs := h.rec.Messages()
			require.Len(t, msgs, 2)
			assert.True(t, msgs[1].IsOptimistic())
			assert.False(t, msgs[1].SentAt.Before(msgs[0].SentAt))
		}
		return nil
	})
	_, err = h.rec.SendText(ctx, convAB, "agora")
	require.NoError(t, err)
	assertOrdered(t, h.rec.Messages())
}

func TestRealtimeInsertKeepsOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seedMessage("m-1", convAB, bob, "um", base, true)
	h.seedMessage("m-3", convAB, bob, "três", base.Add(2*time.Minute), true)
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	late := model.Row{"id": "m-2", "conversation_id": convAB, "sender_id": bob, "text": "dois",
		"sent_at": base.Add(time.Minute).Format(time.RFC3339Nano), "is_read": false}
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: late})
	same := model.Row{"id": "m-3b", "conversation_id": convAB, "sender_id": bob, "text": "empate",
		"sent_at": base.Add(2 * time.Minute).Format(time.RFC3339Nano), "is_read": false}
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: same})

	assert.Equal(t, []string{"m-1", "m-2", "m-3", "m-3b"}, ids(h.rec.Messages()))
	assertOrdered(t, h.rec.Messages())
}

func TestRealtimeInsertFromOtherIsMarkedRead(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	row := h.seedMessage("m-9", convAB, bob, "chegou", base, false)
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: row})

	msgs := h.rec.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsRead)
	assert.Equal(t, true, h.mem.Rows(model.TableMessages)[0]["is_read"])
	assert.Len(t, h.events.ofType(model.EventNotify), 1)

	// duplicate delivery is ignored
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: row})
	assert.Len(t, h.rec.Messages(), 1)
	assert.Len(t, h.events.ofType(model.EventNotify), 1)
}

func TestRealtimeInsertElsewhereCountsUnread(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)
	h.store.SetOpen(convAB)

	before, _ := h.store.Get(convAC)
	row := model.Row{"id": "m-c", "conversation_id": convAC, "sender_id": carol, "text": "psiu",
		"sent_at": base.Format(time.RFC3339Nano), "is_read": false}
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: row})

	after, _ := h.store.Get(convAC)
	assert.Equal(t, before.UnreadCount+1, after.UnreadCount)
	assert.Equal(t, "psiu", after.LastMessagePreview)
	assert.Empty(t, h.rec.Messages())
	assert.Empty(t, h.events.ofType(model.EventNotify))
}

func TestRealtimeInsertUnknownConversationReloads(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	const convNew = "dddddddd-dddd-4ddd-8ddd-dddddddddddd"
	h.mem.Seed(model.TableConversations, model.Row{"id": convNew, "is_group": false, "is_archived": false})
	h.mem.Seed(model.TableParticipants,
		model.Row{"conversation_id": convNew, "user_id": alice, "unread_count": 1},
		model.Row{"conversation_id": convNew, "user_id": dave, "unread_count": 0},
	)

	row := model.Row{"id": "m-d", "conversation_id": convNew, "sender_id": dave, "text": "olá",
		"sent_at": base.Format(time.RFC3339Nano), "is_read": false}
	h.rec.OnRealtimeInsert(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Row: row})
	h.store.Wait()

	c, ok := h.store.Get(convNew)
	require.True(t, ok)
	assert.Equal(t, "Dave", c.DisplayName)
}

func TestRealtimeUpdateAndDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	row := h.seedMessage("m-1", convAB, alice, "minha", base, false)
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	updated := row.Clone()
	updated["is_read"] = true
	h.rec.OnRealtimeUpdate(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeUpdate, Row: updated})
	require.Len(t, h.events.ofType(model.EventMessageUpdated), 1)
	assert.True(t, h.rec.Messages()[0].IsRead)

	h.rec.OnRealtimeUpdate(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeUpdate, Row: updated})
	assert.Len(t, h.events.ofType(model.EventMessageUpdated), 1, "unchanged rows emit nothing")

	h.rec.OnRealtimeDelete(ctx, model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeDelete, Old: model.Row{"id": "m-1"}})
	assert.Empty(t, h.rec.Messages())
	assert.Len(t, h.events.ofType(model.EventMessageRemoved), 1)
}

func TestPlaceholderPromotedOnFirstSend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conv, err := h.store.OpenDirect(ctx, dave)
	require.NoError(t, err)
	require.True(t, conv.IsPlaceholder)
	assert.Equal(t, model.PlaceholderID(alice, dave), conv.ID)

	msgs, err := h.rec.LoadHistory(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, conv.ID, h.rec.OpenID())
	convsBefore := len(h.mem.Rows(model.TableConversations))

	msg, err := h.rec.SendText(ctx, conv.ID, "oi Dave")
	require.NoError(t, err)
	_, err = h.rec.SendText(ctx, conv.ID, "tudo certo?")
	require.NoError(t, err)

	convs := h.mem.Rows(model.TableConversations)
	require.Len(t, convs, convsBefore+1, "exactly one conversation is created")
	durable := convs[len(convs)-1].String("id")
	assert.Equal(t, durable, msg.ConversationID)
	assert.Equal(t, 2, countWhere(h.mem.Rows(model.TableParticipants), "conversation_id", durable))
	assert.Equal(t, 2, countWhere(h.mem.Rows(model.TableMessages), "conversation_id", durable))

	assert.Equal(t, durable, h.rec.OpenID())
	_, ok := h.store.Get(conv.ID)
	assert.False(t, ok)
	promoted, ok := h.store.Get(durable)
	require.True(t, ok)
	assert.False(t, promoted.IsPlaceholder)
	assert.Equal(t, "Dave", promoted.DisplayName)
	for _, m := range h.rec.Messages() {
		assert.Equal(t, durable, m.ConversationID)
	}
}

func TestPlaceholderResolvesToExistingConversation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	conv, err := h.store.OpenDirect(ctx, dave)
	require.NoError(t, err)

	// another device created the conversation meanwhile
	const existing = "eeeeeeee-eeee-4eee-8eee-eeeeeeeeeeee"
	h.mem.Seed(model.TableConversations, model.Row{"id": existing, "is_group": false, "is_archived": false})
	h.mem.Seed(model.TableParticipants,
		model.Row{"conversation_id": existing, "user_id": alice, "unread_count": 0},
		model.Row{"conversation_id": existing, "user_id": dave, "unread_count": 0},
	)
	h.seedMessage("m-e", existing, dave, "já existia", base, true)

	msgs, err := h.rec.LoadHistory(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-e"}, ids(msgs))
	assert.Equal(t, existing, h.rec.OpenID())

	before := len(h.mem.Rows(model.TableConversations))
	_, err = h.rec.SendText(ctx, existing, "de volta")
	require.NoError(t, err)
	assert.Len(t, h.mem.Rows(model.TableConversations), before)
}

func TestPlaceholderCreationFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	conv, err := h.store.OpenDirect(ctx, dave)
	require.NoError(t, err)
	_, err = h.rec.LoadHistory(ctx, conv.ID)
	require.NoError(t, err)
	convsBefore := len(h.mem.Rows(model.TableConversations))

	h.mem.SetFault(func(op, table string) error {
		if op == "insert" && table == model.TableParticipants {
			return errors.New("rls")
		}
		return nil
	})
	_, err = h.rec.SendText(ctx, conv.ID, "oi")
	require.Error(t, err)

	assert.Len(t, h.mem.Rows(model.TableConversations), convsBefore)
	assert.Empty(t, h.rec.Messages())
	_, ok := h.store.Get(conv.ID)
	assert.True(t, ok, "placeholder stays until a send succeeds")
}

func TestSendMediaUploadsThenInserts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)
	h.events.reset()

	msg, err := h.rec.SendMedia(ctx, convAB, model.MediaImage, "minha foto.png", "image/png", []byte("png"))
	require.NoError(t, err)

	appended := h.events.ofType(model.EventMessageAppended)
	require.Len(t, appended, 1)
	assert.True(t, strings.HasPrefix(appended[0].Message.ImageURL, "blob:temp-"))

	assert.True(t, strings.HasPrefix(msg.ImageURL, "memory://chat-images/"+alice+"/"), msg.ImageURL)
	assert.True(t, strings.HasSuffix(msg.ImageURL, "_minha_foto.png"), msg.ImageURL)
	data, ok := h.mem.Blob(msg.ImageURL)
	require.True(t, ok)
	assert.Equal(t, []byte("png"), data)

	conv, _ := h.store.Get(convAB)
	assert.Equal(t, "📷 Imagem", conv.LastMessagePreview)
	assert.Equal(t, []string{msg.ID}, ids(h.rec.Messages()))
}

func TestSendMediaUploadFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.rec.LoadHistory(ctx, convAB)
	require.NoError(t, err)

	h.mem.SetFault(func(op, _ string) error {
		if op == "upload" {
			return gateway.ErrPermission
		}
		return nil
	})
	_, err = h.rec.SendMedia(ctx, convAB, model.MediaAudio, "nota.webm", "audio/webm;codecs=opus", []byte("ogg"))
	require.ErrorIs(t, err, gateway.ErrPermission)
	assert.Empty(t, h.rec.Messages())
	assert.Empty(t, h.mem.Rows(model.TableMessages))
	assert.Len(t, h.events.ofType(model.EventMessageRemoved), 1)
}

func TestSendMediaRejectsType(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.rec.SendMedia(context.Background(), convAB, model.MediaImage, "x.exe", "application/octet-stream", []byte("MZ"))
	assert.True(t, validation.IsValidation(err))
	assert.Empty(t, h.events.ofType(model.EventMessageAppended))
}
