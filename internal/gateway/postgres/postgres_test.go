package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

func TestBuildSelect(t *testing.T) {
	sql, args, err := buildSelect(model.TableMessages, gateway.Where(
		gateway.Eq("conversation_id", "c1"),
		gateway.In("sender_id", []string{"u1", "u2"}),
		gateway.Eq("image_url", nil),
	), gateway.Asc("sent_at"))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM messages WHERE conversation_id = $1 AND sender_id::text = ANY($2::text[]) AND image_url IS NULL ORDER BY sent_at ASC NULLS FIRST", sql)
	assert.Equal(t, []any{"c1", []string{"u1", "u2"}}, args)

	sql, args, err = buildSelect(model.TableConversations, nil, gateway.Desc("last_message_at"))
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM conversations ORDER BY last_message_at DESC NULLS LAST", sql)
	assert.Empty(t, args)
}

func TestBuildSelect_RejectsUnknownNames(t *testing.T) {
	_, _, err := buildSelect("pg_shadow", nil, gateway.Order{})
	assert.Error(t, err)

	_, _, err = buildSelect(model.TableUsers, gateway.Where(gateway.Eq("id; DROP TABLE users", "x")), gateway.Order{})
	assert.Error(t, err)

	_, _, err = buildSelect(model.TableUsers, nil, gateway.Asc("password"))
	assert.Error(t, err)
}

func TestBuildInsert(t *testing.T) {
	sql, args, err := buildInsert(model.TableMessages, model.Row{
		"text":            "oi",
		"conversation_id": "c1",
		"sender_id":       "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO messages (conversation_id, sender_id, text) VALUES ($1, $2, $3) RETURNING *", sql)
	assert.Equal(t, []any{"c1", "u1", "oi"}, args)

	sql, _, err = buildInsert(model.TableConversations, model.Row{})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO conversations DEFAULT VALUES RETURNING *", sql)

	_, _, err = buildInsert(model.TableMessages, model.Row{"is_deleted": true})
	assert.Error(t, err)
}

func TestBuildUpdate(t *testing.T) {
	sql, args, err := buildUpdate(model.TableParticipants,
		gateway.Where(gateway.Eq("conversation_id", "c1"), gateway.Eq("user_id", "u1")),
		model.Row{"unread_count": 0})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE participants SET unread_count = $1 WHERE conversation_id = $2 AND user_id = $3", sql)
	assert.Equal(t, []any{0, "c1", "u1"}, args)

	_, _, err = buildUpdate(model.TableParticipants, nil, model.Row{"unread_count": 0})
	assert.Error(t, err)
}

func TestBuildDelete(t *testing.T) {
	sql, args, err := buildDelete(model.TableMessages, gateway.Where(gateway.Eq("conversation_id", "c1")))
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM messages WHERE conversation_id = $1", sql)
	assert.Equal(t, []any{"c1"}, args)

	_, _, err = buildDelete(model.TableMessages, nil)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	id := uuid.MustParse("6f1c2d3e-4a5b-4c6d-8e9f-0a1b2c3d4e5f")
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.FixedZone("BRT", -3*3600))

	row := normalize(map[string]any{
		"id":           [16]byte(id),
		"sent_at":      at,
		"unread_count": int32(4),
		"text":         "oi",
		"image_url":    nil,
	})
	assert.Equal(t, id.String(), row["id"])
	assert.Equal(t, "2024-03-10T12:00:00Z", row["sent_at"])
	assert.Equal(t, 4, row["unread_count"])
	assert.Equal(t, "oi", row["text"])
	assert.Nil(t, row["image_url"])

	msg, err := model.Decode[model.MessageRow](row)
	require.NoError(t, err)
	assert.True(t, msg.SentAt.Equal(at))
}

// TestStore_RoundTrip runs against a real database when
// ZRCHAT_TEST_DATABASE_URL is set.
func TestStore_RoundTrip(t *testing.T) {
	dsn := os.Getenv("ZRCHAT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ZRCHAT_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := New(ctx, dsn, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Ping(ctx))

	user, err := s.Insert(ctx, model.TableUsers, model.Row{"name": "Ana", "email": uuid.NewString() + "@example.com"})
	require.NoError(t, err)
	conv, err := s.Insert(ctx, model.TableConversations, model.Row{})
	require.NoError(t, err)
	_, err = s.Insert(ctx, model.TableParticipants, model.Row{"conversation_id": conv.String("id"), "user_id": user.String("id")})
	require.NoError(t, err)

	msg, err := s.Insert(ctx, model.TableMessages, model.Row{
		"conversation_id": conv.String("id"), "sender_id": user.String("id"), "text": "oi",
	})
	require.NoError(t, err)
	assert.Equal(t, false, msg["is_read"])
	assert.NotEmpty(t, msg.String("sent_at"))

	byConv := gateway.Where(gateway.Eq("conversation_id", conv.String("id")))
	require.NoError(t, s.Update(ctx, model.TableMessages, byConv, model.Row{"is_read": true}))
	rows, err := s.Query(ctx, model.TableMessages, byConv, gateway.Asc("sent_at"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0]["is_read"])

	_, err = s.Insert(ctx, model.TableParticipants, model.Row{"conversation_id": uuid.NewString(), "user_id": user.String("id")})
	assert.ErrorIs(t, err, gateway.ErrNotFound)

	require.NoError(t, s.Delete(ctx, model.TableConversations, gateway.Where(gateway.Eq("id", conv.String("id")))))
	rows, err = s.Query(ctx, model.TableMessages, byConv, gateway.Order{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
