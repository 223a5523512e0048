package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/validation"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/metrics"
)

// Buckets names the storage bucket per media kind.
type Buckets struct {
	Image string
	Audio string
	Video string
}

// DefaultBuckets are the bucket names used by the hosted backend.
var DefaultBuckets = Buckets{Image: "chat-images", Audio: "chat-audio", Video: "chat-videos"}

// For returns the bucket for kind.
func (b Buckets) For(kind model.MediaKind) string {
	switch kind {
	case model.MediaImage:
		return b.Image
	case model.MediaAudio:
		return b.Audio
	default:
		return b.Video
	}
}

// pendingSend tracks one optimistic message until it is confirmed or rolled back.
type pendingSend struct {
	seq            int64
	tempID         string
	conversationID string
	text           string
	mediaKind      model.MediaKind
	mediaURL       string
	// adoptedID is set when the realtime echo replaced the optimistic entry
	// before the insert returned.
	adoptedID string
}

// MessageReconciler owns the message list of the open conversation and the
// optimistic send lifecycle.
type MessageReconciler struct {
	tables    gateway.Tables
	blobs     gateway.Blobs
	store     *ConversationStore
	receipts  *ReadReceipts
	validator *validation.Validator
	emitter   *Emitter
	logger    *logger.Logger
	buckets   Buckets
	now       func() time.Time
	tracer    trace.Tracer

	// resolveMu serialises placeholder promotion so concurrent first sends
	// create a single conversation.
	resolveMu sync.Mutex
	promoted  map[string]string

	mu       sync.Mutex
	openID   string
	messages []model.Message
	pending  map[string]*pendingSend
	lastTemp int64
	seq      int64
}

// NewMessageReconciler creates a reconciler.
func NewMessageReconciler(
	tables gateway.Tables,
	blobs gateway.Blobs,
	store *ConversationStore,
	receipts *ReadReceipts,
	validator *validation.Validator,
	emitter *Emitter,
	buckets Buckets,
	log *logger.Logger,
) *MessageReconciler {
	if log == nil {
		log = logger.NewNop()
	}
	if validator == nil {
		validator = validation.New(validation.Limits{})
	}
	return &MessageReconciler{
		tables:    tables,
		blobs:     blobs,
		store:     store,
		receipts:  receipts,
		validator: validator,
		emitter:   emitter,
		logger:    log.Named("messages"),
		buckets:   buckets,
		now:       time.Now,
		tracer:    otel.Tracer("zrchat/messages"),
		promoted:  make(map[string]string),
		pending:   make(map[string]*pendingSend),
	}
}

// OpenID returns the conversation whose messages are loaded.
func (r *MessageReconciler) OpenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openID
}

// Messages returns the loaded list in render order.
func (r *MessageReconciler) Messages() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.messages...)
}

// Close unloads the open conversation.
func (r *MessageReconciler) Close() {
	r.mu.Lock()
	r.openID = ""
	r.messages = nil
	r.mu.Unlock()
}

// LoadHistory loads the persisted messages of a conversation in ascending
// sent_at order and makes it the open conversation. A placeholder resolves to
// an existing direct conversation with the same counterpart when there is one;
// otherwise its history is empty.
func (r *MessageReconciler) LoadHistory(ctx context.Context, conversationID string) ([]model.Message, error) {
	if conversationID == model.AssistantConversationID {
		return nil, ErrNotPermitted
	}

	target := conversationID
	if model.IsPlaceholderID(conversationID) {
		id, found, err := r.lookupPlaceholder(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if !found {
			r.mu.Lock()
			r.openID = conversationID
			r.messages = r.carryOptimisticLocked(conversationID, nil)
			out := append([]model.Message(nil), r.messages...)
			r.mu.Unlock()
			return out, nil
		}
		r.promote(conversationID, id)
		target = id
	}

	rows, err := r.tables.Query(ctx, model.TableMessages, gateway.Where(gateway.Eq("conversation_id", target)), gateway.Asc("sent_at"))
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	decoded, err := model.DecodeAll[model.MessageRow](rows)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(decoded))
	for _, row := range decoded {
		msgs = append(msgs, model.MessageFromRow(row))
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SentAt.Before(msgs[j].SentAt) })

	r.mu.Lock()
	r.openID = target
	r.messages = r.carryOptimisticLocked(target, msgs)
	out := append([]model.Message(nil), r.messages...)
	r.mu.Unlock()

	r.logger.Debug("history loaded", logger.ConversationID(target), zap.Int("count", len(out)))
	return out, nil
}

// carryOptimisticLocked appends in-flight optimistic entries of the
// conversation to a freshly loaded list.
func (r *MessageReconciler) carryOptimisticLocked(conversationID string, loaded []model.Message) []model.Message {
	known := make(map[string]bool, len(loaded))
	for _, m := range loaded {
		known[m.ID] = true
	}
	for _, m := range r.messages {
		if m.IsOptimistic() && m.ConversationID == conversationID && !known[m.ID] {
			if n := len(loaded); n > 0 && m.SentAt.Before(loaded[n-1].SentAt) {
				m.SentAt = loaded[n-1].SentAt
			}
			loaded = append(loaded, m)
		}
	}
	return loaded
}

// SendText validates, sanitises and sends a text message. The optimistic
// entry is visible immediately; the call returns once the gateway confirmed
// or the entry was rolled back.
func (r *MessageReconciler) SendText(ctx context.Context, conversationID, text string) (model.Message, error) {
	if err := r.validator.Message(text); err != nil {
		metrics.RecordSend("text", "rejected")
		return model.Message{}, err
	}
	clean := validation.Sanitize(text)
	return r.send(ctx, conversationID, "text", func(m *model.Message) { m.Text = clean }, nil)
}

// SendMedia validates and uploads a file, then sends it as a message. A local
// preview URL stands in for the public URL until the upload completes.
func (r *MessageReconciler) SendMedia(ctx context.Context, conversationID string, kind model.MediaKind, filename, contentType string, data []byte) (model.Message, error) {
	if r.blobs == nil {
		return model.Message{}, errNoBlobs
	}
	if err := r.validator.Media(kind, contentType, int64(len(data))); err != nil {
		metrics.RecordSend(string(kind), "rejected")
		return model.Message{}, err
	}

	upload := func(ctx context.Context, self string) (string, error) {
		key := fmt.Sprintf("%s/%d_%s", self, r.now().UnixMilli(), validation.SanitizeFilename(filename))
		return r.blobs.Upload(ctx, r.buckets.For(kind), key, validation.NormalizeContentType(contentType), data)
	}
	return r.send(ctx, conversationID, string(kind), func(m *model.Message) {
		m.SetMedia(kind, "blob:"+m.ID)
	}, upload)
}

func (r *MessageReconciler) send(
	ctx context.Context,
	conversationID, kind string,
	fill func(*model.Message),
	upload func(ctx context.Context, self string) (string, error),
) (model.Message, error) {
	if conversationID == model.AssistantConversationID {
		return model.Message{}, ErrNotPermitted
	}
	self := r.store.SelfID()
	if self == "" {
		return model.Message{}, ErrNoSession
	}

	ctx, span := r.tracer.Start(ctx, "message.send", trace.WithAttributes(
		attribute.String("message.kind", kind),
		attribute.Bool("conversation.placeholder", model.IsPlaceholderID(conversationID)),
	))
	defer span.End()

	p := r.appendOptimistic(r.canonical(conversationID), self, fill)

	err := r.resolve(ctx, p)
	if err == nil && upload != nil {
		url, uerr := upload(ctx, self)
		if uerr != nil {
			err = fmt.Errorf("failed to upload media: %w", uerr)
		} else {
			r.mu.Lock()
			p.mediaURL = url
			r.mu.Unlock()
		}
	}

	var row model.Row
	if err == nil {
		out := r.outgoing(p, self)
		row, err = r.tables.Insert(ctx, model.TableMessages, out.Row())
		if err != nil {
			err = fmt.Errorf("failed to send message: %w", err)
		}
	}

	if err != nil {
		if adopted, ok := r.adopted(p); ok {
			r.logger.Warn("insert reported failure after echo arrived", logger.MessageID(adopted.ID), zap.Error(err))
			metrics.RecordSend(kind, "confirmed")
			return adopted, nil
		}
		r.rollback(p)
		metrics.RecordSend(kind, "rolled_back")
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		r.logger.Warn("send failed, optimistic message removed", zap.String("temp_id", p.tempID), zap.Error(err))
		r.emitter.Toast(model.ToastError, "Erro ao enviar mensagem", "Não foi possível enviar sua mensagem. Tente novamente.")
		return model.Message{}, err
	}

	confirmed, derr := model.Decode[model.MessageRow](row)
	var msg model.Message
	if derr != nil || confirmed.ID == "" {
		r.logger.Warn("unexpected insert response", zap.Any("row", row), zap.Error(derr))
		msg = r.outgoing(p, self)
		msg.ID = row.String("id")
		msg.SentAt = r.now()
		msg.Origin = model.OriginConfirmed
	} else {
		msg = model.MessageFromRow(confirmed)
	}

	msg = r.confirm(p, msg)
	r.touchConversation(ctx, msg)
	r.store.ApplyIncomingMessage(ctx, msg)
	metrics.RecordSend(kind, "confirmed")
	span.SetAttributes(attribute.String("message.id", msg.ID))
	return msg, nil
}

func (r *MessageReconciler) appendOptimistic(conversationID, self string, fill func(*model.Message)) *pendingSend {
	r.mu.Lock()
	now := r.now()
	ms := now.UnixMilli()
	if ms <= r.lastTemp {
		ms = r.lastTemp + 1
	}
	r.lastTemp = ms
	r.seq++

	at := now
	visible := conversationID == r.openID
	if n := len(r.messages); visible && n > 0 && at.Before(r.messages[n-1].SentAt) {
		at = r.messages[n-1].SentAt
	}
	m := model.Message{
		ID:             fmt.Sprintf("%s%d", model.TempPrefix, ms),
		ConversationID: conversationID,
		SenderID:       self,
		SentAt:         at,
		Origin:         model.OriginOptimistic,
	}
	fill(&m)
	p := &pendingSend{seq: r.seq, tempID: m.ID, conversationID: conversationID, text: m.Text}
	if kind, _ := m.Media(); kind != "" {
		p.mediaKind = kind
	}
	r.pending[m.ID] = p
	if visible {
		r.messages = append(r.messages, m)
	}
	r.mu.Unlock()

	r.emitter.Emit(model.Event{Type: model.EventMessageAppended, ConversationID: conversationID, Message: &m})
	return p
}

// outgoing builds the row-to-be from the pending state.
func (r *MessageReconciler) outgoing(p *pendingSend, self string) model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := model.Message{ConversationID: p.conversationID, SenderID: self, Text: p.text}
	if p.mediaKind != "" {
		m.SetMedia(p.mediaKind, p.mediaURL)
	}
	return m
}

// resolve promotes a placeholder conversation to a durable one, creating it
// when no direct conversation with the counterpart exists yet.
func (r *MessageReconciler) resolve(ctx context.Context, p *pendingSend) error {
	r.mu.Lock()
	convID := p.conversationID
	r.mu.Unlock()
	if !model.IsPlaceholderID(convID) {
		return nil
	}

	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	if id := r.canonical(convID); id != convID {
		r.retarget(convID, id)
		return nil
	}
	id, found, err := r.lookupPlaceholder(ctx, convID)
	if err != nil {
		return err
	}
	if !found {
		conv, ok := r.store.Get(convID)
		if !ok {
			return ErrUnknownConversation
		}
		if id, err = r.store.CreateDirect(ctx, conv.CounterpartID); err != nil {
			return err
		}
	}
	r.promote(convID, id)
	return nil
}

// canonical maps an already promoted placeholder to its durable id.
func (r *MessageReconciler) canonical(conversationID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.promoted[conversationID]; ok {
		return id
	}
	return conversationID
}

func (r *MessageReconciler) lookupPlaceholder(ctx context.Context, placeholderID string) (string, bool, error) {
	r.mu.Lock()
	id, ok := r.promoted[placeholderID]
	r.mu.Unlock()
	if ok {
		return id, true, nil
	}
	conv, ok := r.store.Get(placeholderID)
	if !ok {
		return "", false, ErrUnknownConversation
	}
	return r.store.FindDirect(ctx, conv.CounterpartID)
}

func (r *MessageReconciler) promote(placeholderID, conversationID string) {
	r.store.Promote(placeholderID, conversationID)
	r.retarget(placeholderID, conversationID)
	r.logger.Info("placeholder promoted", zap.String("placeholder_id", placeholderID), logger.ConversationID(conversationID))
}

func (r *MessageReconciler) retarget(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promoted[from] = to
	for _, p := range r.pending {
		if p.conversationID == from {
			p.conversationID = to
		}
	}
	for i := range r.messages {
		if r.messages[i].ConversationID == from {
			r.messages[i].ConversationID = to
		}
	}
	if r.openID == from {
		r.openID = to
	}
}

func (r *MessageReconciler) adopted(p *pendingSend) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.adoptedID == "" {
		return model.Message{}, false
	}
	delete(r.pending, p.tempID)
	if idx := r.indexLocked(p.adoptedID); idx >= 0 {
		return r.messages[idx], true
	}
	return model.Message{ID: p.adoptedID, ConversationID: p.conversationID, Origin: model.OriginConfirmed}, true
}

// confirm replaces the optimistic entry with the durable message.
func (r *MessageReconciler) confirm(p *pendingSend, msg model.Message) model.Message {
	r.mu.Lock()
	delete(r.pending, p.tempID)
	if p.adoptedID != "" {
		if idx := r.indexLocked(p.adoptedID); idx >= 0 {
			msg = r.messages[idx]
		}
		r.mu.Unlock()
		return msg
	}

	var ev *model.Event
	tempIdx := r.indexLocked(p.tempID)
	switch {
	case r.indexLocked(msg.ID) >= 0:
		// the realtime echo was appended on its own
		metrics.OptimisticDedupes.WithLabelValues("confirm").Inc()
		if tempIdx >= 0 {
			temp := r.removeAtLocked(tempIdx)
			ev = &model.Event{Type: model.EventMessageRemoved, ConversationID: temp.ConversationID, Message: &temp}
		}
	case tempIdx >= 0:
		r.removeAtLocked(tempIdx)
		r.insertSortedLocked(msg)
		ev = &model.Event{Type: model.EventMessageConfirmed, ConversationID: msg.ConversationID, Message: &msg, ReplacedID: p.tempID}
	case msg.ConversationID == r.openID:
		r.insertSortedLocked(msg)
		ev = &model.Event{Type: model.EventMessageConfirmed, ConversationID: msg.ConversationID, Message: &msg, ReplacedID: p.tempID}
	}
	r.mu.Unlock()

	if ev != nil {
		r.emitter.Emit(*ev)
	} else {
		r.emitter.Emit(model.Event{Type: model.EventMessageConfirmed, ConversationID: msg.ConversationID, Message: &msg, ReplacedID: p.tempID})
	}
	return msg
}

func (r *MessageReconciler) rollback(p *pendingSend) {
	r.mu.Lock()
	delete(r.pending, p.tempID)
	var removed *model.Message
	if idx := r.indexLocked(p.tempID); idx >= 0 {
		m := r.removeAtLocked(idx)
		removed = &m
	}
	convID := p.conversationID
	r.mu.Unlock()

	if removed == nil {
		removed = &model.Message{ID: p.tempID, ConversationID: convID, Origin: model.OriginOptimistic}
	}
	r.emitter.Emit(model.Event{Type: model.EventMessageRemoved, ConversationID: convID, Message: removed})
}

func (r *MessageReconciler) touchConversation(ctx context.Context, msg model.Message) {
	err := r.tables.Update(ctx, model.TableConversations, gateway.Where(gateway.Eq("id", msg.ConversationID)),
		model.Row{"last_message_at": msg.SentAt.UTC().Format(time.RFC3339Nano)})
	if err != nil {
		r.logger.Warn("failed to update last_message_at", logger.ConversationID(msg.ConversationID), zap.Error(err))
	}
}

// OnRealtimeInsert reconciles a pushed message insert. Messages of other
// conversations only update the conversation list; messages of the open
// conversation are deduplicated by id and, for the user's own sends, matched
// against pending optimistic entries.
func (r *MessageReconciler) OnRealtimeInsert(ctx context.Context, ev model.ChangeEvent) {
	row, err := model.Decode[model.MessageRow](ev.Row)
	if err != nil || row.ID == "" {
		r.logger.Warn("ignoring malformed message event", zap.Error(err))
		return
	}
	msg := model.MessageFromRow(row)
	self := r.store.SelfID()
	r.store.ApplyIncomingMessage(ctx, msg)

	r.mu.Lock()
	if msg.ConversationID != r.openID {
		r.mu.Unlock()
		return
	}
	if r.indexLocked(msg.ID) >= 0 {
		r.mu.Unlock()
		metrics.OptimisticDedupes.WithLabelValues("id").Inc()
		return
	}
	if msg.SenderID == self {
		if p := r.matchPendingLocked(msg); p != nil {
			p.adoptedID = msg.ID
			if idx := r.indexLocked(p.tempID); idx >= 0 {
				r.removeAtLocked(idx)
			}
			r.insertSortedLocked(msg)
			r.mu.Unlock()
			metrics.OptimisticDedupes.WithLabelValues("echo").Inc()
			r.emitter.Emit(model.Event{Type: model.EventMessageConfirmed, ConversationID: msg.ConversationID, Message: &msg, ReplacedID: p.tempID})
			return
		}
	}
	r.insertSortedLocked(msg)
	r.mu.Unlock()
	r.emitter.Emit(model.Event{Type: model.EventMessageAppended, ConversationID: msg.ConversationID, Message: &msg})

	if msg.SenderID != self {
		if err := r.receipts.MarkRead(ctx, msg.ID); err == nil {
			r.patch(msg.ID, func(m *model.Message) { m.IsRead = true })
		}
		r.emitter.Emit(model.Event{Type: model.EventNotify, ConversationID: msg.ConversationID, Message: &msg})
	}
}

// OnRealtimeUpdate patches mutable fields of a loaded message.
func (r *MessageReconciler) OnRealtimeUpdate(_ context.Context, ev model.ChangeEvent) {
	row, err := model.Decode[model.MessageRow](ev.Row)
	if err != nil || row.ID == "" {
		r.logger.Warn("ignoring malformed message event", zap.Error(err))
		return
	}
	r.patch(row.ID, func(m *model.Message) {
		m.IsRead = bool(row.IsRead)
		m.Text = row.Text
		m.ImageURL, m.AudioURL, m.VideoURL = row.ImageURL, row.AudioURL, row.VideoURL
	})
}

// OnRealtimeDelete drops a deleted message from the loaded list.
func (r *MessageReconciler) OnRealtimeDelete(_ context.Context, ev model.ChangeEvent) {
	id := ev.Old.String("id")
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	m := r.removeAtLocked(idx)
	r.mu.Unlock()
	r.emitter.Emit(model.Event{Type: model.EventMessageRemoved, ConversationID: m.ConversationID, Message: &m})
}

func (r *MessageReconciler) patch(id string, fn func(*model.Message)) {
	r.mu.Lock()
	idx := r.indexLocked(id)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	before := r.messages[idx]
	fn(&r.messages[idx])
	after := r.messages[idx]
	r.mu.Unlock()
	if before != after {
		r.emitter.Emit(model.Event{Type: model.EventMessageUpdated, ConversationID: after.ConversationID, Message: &after})
	}
}

// matchPendingLocked finds the oldest unadopted optimistic send with the
// same content in the same conversation.
func (r *MessageReconciler) matchPendingLocked(msg model.Message) *pendingSend {
	var best *pendingSend
	_, mediaURL := msg.Media()
	for _, p := range r.pending {
		if p.adoptedID != "" || p.conversationID != msg.ConversationID {
			continue
		}
		sameText := p.mediaKind == "" && p.text != "" && p.text == msg.Text
		sameMedia := p.mediaKind != "" && p.mediaURL != "" && p.mediaURL == mediaURL
		if !sameText && !sameMedia {
			continue
		}
		if best == nil || p.seq < best.seq {
			best = p
		}
	}
	return best
}

func (r *MessageReconciler) indexLocked(id string) int {
	for i := range r.messages {
		if r.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *MessageReconciler) removeAtLocked(i int) model.Message {
	m := r.messages[i]
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	return m
}

// insertSortedLocked inserts m after every message sent at or before it.
func (r *MessageReconciler) insertSortedLocked(m model.Message) {
	i := sort.Search(len(r.messages), func(i int) bool { return r.messages[i].SentAt.After(m.SentAt) })
	r.messages = append(r.messages, model.Message{})
	copy(r.messages[i+1:], r.messages[i:])
	r.messages[i] = m
}

var errNoBlobs = errors.New("media uploads are not configured")
