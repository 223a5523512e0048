package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// ReadReceipts updates read state on the gateway. Failures are logged and
// returned for inspection; callers do not surface them.
type ReadReceipts struct {
	tables gateway.Tables
	logger *logger.Logger
}

// NewReadReceipts creates a read-receipt updater.
func NewReadReceipts(tables gateway.Tables, log *logger.Logger) *ReadReceipts {
	if log == nil {
		log = logger.NewNop()
	}
	return &ReadReceipts{tables: tables, logger: log.Named("receipts")}
}

// MarkRead sets is_read on a message. Marking an already read message is a no-op.
func (r *ReadReceipts) MarkRead(ctx context.Context, messageID string) error {
	if messageID == "" || model.IsTempID(messageID) {
		return nil
	}
	err := r.tables.Update(ctx, model.TableMessages, gateway.Where(gateway.Eq("id", messageID)), model.Row{"is_read": true})
	if err != nil {
		r.logger.Warn("failed to mark message read", logger.MessageID(messageID), zap.Error(err))
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks every unread message from others in a loaded history and
// returns the ids that were updated.
func (r *ReadReceipts) MarkAllRead(ctx context.Context, selfID string, messages []model.Message) []string {
	var marked []string
	for _, m := range messages {
		if m.IsRead || m.SenderID == selfID || m.IsOptimistic() {
			continue
		}
		if r.MarkRead(ctx, m.ID) == nil {
			marked = append(marked, m.ID)
		}
	}
	return marked
}

// ResetUnread zeroes the current user's unread counter for a conversation.
func (r *ReadReceipts) ResetUnread(ctx context.Context, conversationID, selfID string) error {
	if model.IsPlaceholderID(conversationID) || conversationID == model.AssistantConversationID {
		return nil
	}
	err := r.tables.Update(ctx, model.TableParticipants,
		gateway.Where(gateway.Eq("conversation_id", conversationID), gateway.Eq("user_id", selfID)),
		model.Row{"unread_count": 0})
	if err != nil {
		r.logger.Warn("failed to reset unread count", logger.ConversationID(conversationID), zap.Error(err))
		return fmt.Errorf("reset unread: %w", err)
	}
	return nil
}
