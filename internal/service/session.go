package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/assistant"
	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/validation"
	"github.com/zrchat/zrchat-client/pkg/logger"
	"github.com/zrchat/zrchat-client/pkg/metrics"
)

const (
	// DefaultPresenceChannel is the channel every client joins.
	DefaultPresenceChannel = "online-users"

	// DefaultResubscribeDelay is the wait before re-establishing a lost feed.
	DefaultResubscribeDelay = 3 * time.Second
)

// Options configures a Session.
type Options struct {
	Gateway            gateway.Gateway
	Assistant          assistant.Options
	Validator          *validation.Validator
	Buckets            Buckets
	PresenceChannel    string
	AssistantAvatarURL string
	ResubscribeDelay   time.Duration
	Logger             *logger.Logger
}

// Session is one signed-in client: it owns the conversation store, the
// message reconciler, presence and the assistant bridge, and keeps them fed
// from the gateway's change feed.
type Session struct {
	gw               gateway.Gateway
	emitter          *Emitter
	logger           *logger.Logger
	validator        *validation.Validator
	store            *ConversationStore
	messages         *MessageReconciler
	receipts         *ReadReceipts
	presence         *PresenceTracker
	bridge           *assistant.Bridge
	resubscribeDelay time.Duration

	mu       sync.RWMutex
	self     model.Identity
	selfName string
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSession wires the engine components over opts.Gateway.
func NewSession(opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Validator == nil {
		opts.Validator = validation.New(validation.Limits{})
	}
	if opts.Buckets == (Buckets{}) {
		opts.Buckets = DefaultBuckets
	}
	if opts.PresenceChannel == "" {
		opts.PresenceChannel = DefaultPresenceChannel
	}
	if opts.ResubscribeDelay <= 0 {
		opts.ResubscribeDelay = DefaultResubscribeDelay
	}

	emitter := NewEmitter(log.Named("events"))
	store := NewConversationStore(opts.Gateway, emitter, log)
	store.SetAssistantAvatar(opts.AssistantAvatarURL)
	receipts := NewReadReceipts(opts.Gateway, log)
	presence := NewPresenceTracker(opts.Gateway, opts.PresenceChannel, store.SetOnline, log)
	store.SetPresence(presence)

	bridgeOpts := opts.Assistant
	if bridgeOpts.Logger == nil {
		bridgeOpts.Logger = log.Named("assistant")
	}
	bridgeOpts.OnEvent = emitter.Emit

	return &Session{
		gw:               opts.Gateway,
		emitter:          emitter,
		logger:           log.Named("session"),
		validator:        opts.Validator,
		store:            store,
		messages:         NewMessageReconciler(opts.Gateway, opts.Gateway, store, receipts, opts.Validator, emitter, opts.Buckets, log),
		receipts:         receipts,
		presence:         presence,
		bridge:           assistant.NewBridge(bridgeOpts),
		resubscribeDelay: opts.ResubscribeDelay,
	}
}

// Events returns the emitter UI listeners subscribe to.
func (s *Session) Events() *Emitter { return s.emitter }

// Store exposes the conversation store.
func (s *Session) Store() *ConversationStore { return s.store }

// Presence exposes the presence tracker.
func (s *Session) Presence() *PresenceTracker { return s.presence }

// Bridge exposes the assistant bridge.
func (s *Session) Bridge() *assistant.Bridge { return s.bridge }

// Self returns the signed-in user, or the zero identity before Connect.
func (s *Session) Self() model.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Connect resolves the current user, loads conversations, joins presence and
// subscribes to message and membership changes. Feed goroutines outlive ctx
// and stop on Disconnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	id, err := s.gw.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve current user: %w", err)
	}
	if _, err := s.store.Load(ctx, id.ID); err != nil {
		return err
	}
	name := s.lookupName(ctx, id)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.self = id
	s.selfName = name
	s.cancel = cancel
	s.mu.Unlock()

	feeds := []struct {
		table  string
		handle func(context.Context, model.ChangeEvent)
		kinds  []model.ChangeKind
	}{
		{model.TableMessages, s.onMessageChange, nil},
		{model.TableParticipants, s.onMembershipChange, []model.ChangeKind{model.ChangeInsert, model.ChangeDelete}},
		{model.TableConversations, s.onMembershipChange, []model.ChangeKind{model.ChangeUpdate, model.ChangeDelete}},
	}
	// first subscriptions are made before Connect returns so no change
	// after it is missed
	for _, f := range feeds {
		sub, err := s.gw.Subscribe(runCtx, f.table, f.kinds...)
		if err != nil {
			s.logger.Warn("subscribe failed", zap.String("table", f.table), zap.Error(err))
			sub = nil
		}
		s.wg.Add(1)
		go s.watch(runCtx, f.table, sub, f.handle, f.kinds...)
	}

	joined := true
	if err := s.presence.Start(runCtx, id.ID); err != nil {
		s.logger.Warn("presence unavailable", zap.Error(err))
		joined = false
	}
	s.wg.Add(1)
	go s.keepPresence(runCtx, id.ID, joined)

	s.logger.Info("session connected", logger.UserID(id.ID))
	return nil
}

// Disconnect stops the feeds, leaves presence and cancels any assistant exchange.
func (s *Session) Disconnect() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.bridge.Cancel()
	s.wg.Wait()
	s.store.Wait()
	s.logger.Info("session disconnected")
}

func (s *Session) lookupName(ctx context.Context, id model.Identity) string {
	rows, err := s.gw.Query(ctx, model.TableUsers, gateway.Where(gateway.Eq("id", id.ID)), gateway.Order{})
	if err == nil && len(rows) > 0 {
		if name := rows[0].String("name"); name != "" {
			return name
		}
	}
	if err != nil {
		s.logger.Warn("failed to load profile", zap.Error(err))
	}
	return id.Email
}

func (s *Session) keepPresence(ctx context.Context, selfID string, joined bool) {
	defer s.wg.Done()
	for {
		if joined {
			select {
			case <-ctx.Done():
				s.presence.Stop()
				return
			case <-s.presence.Done():
				s.logger.Warn("presence channel lost, rejoining")
			}
		}
		if !s.pause(ctx) {
			return
		}
		if err := s.presence.Start(ctx, selfID); err != nil {
			s.logger.Warn("presence unavailable", zap.Error(err))
			joined = false
			continue
		}
		joined = true
	}
}

func (s *Session) watch(ctx context.Context, table string, sub gateway.Subscription, handle func(context.Context, model.ChangeEvent), kinds ...model.ChangeKind) {
	defer s.wg.Done()
	for {
		if sub == nil {
			if !s.pause(ctx) {
				return
			}
			var err error
			if sub, err = s.gw.Subscribe(ctx, table, kinds...); err != nil {
				s.logger.Warn("subscribe failed", zap.String("table", table), zap.Error(err))
				sub = nil
				continue
			}
			// changes may have been missed while the feed was down
			s.store.ReloadAsync(ctx)
		}
		if !s.drain(ctx, table, sub, handle) {
			return
		}
		s.logger.Warn("change feed lost, resubscribing", zap.String("table", table))
		sub = nil
	}
}

// drain forwards events until the feed closes. It returns false when ctx ended.
func (s *Session) drain(ctx context.Context, table string, sub gateway.Subscription, handle func(context.Context, model.ChangeEvent)) bool {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-sub.Events():
			if !ok {
				return ctx.Err() == nil
			}
			metrics.RealtimeEvents.WithLabelValues(table, string(ev.Kind)).Inc()
			handle(ctx, ev)
		}
	}
}

func (s *Session) pause(ctx context.Context) bool {
	t := time.NewTimer(s.resubscribeDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) onMessageChange(ctx context.Context, ev model.ChangeEvent) {
	switch ev.Kind {
	case model.ChangeInsert:
		s.messages.OnRealtimeInsert(ctx, ev)
	case model.ChangeUpdate:
		s.messages.OnRealtimeUpdate(ctx, ev)
	case model.ChangeDelete:
		s.messages.OnRealtimeDelete(ctx, ev)
	}
}

func (s *Session) onMembershipChange(ctx context.Context, ev model.ChangeEvent) {
	s.logger.Debug("membership changed", zap.String("table", ev.Table), zap.String("kind", string(ev.Kind)))
	s.store.ReloadAsync(ctx)
}

// Conversations returns the active list.
func (s *Session) Conversations() []model.Conversation { return s.store.List() }

// Archived returns the archived list.
func (s *Session) Archived() []model.Conversation { return s.store.Archived() }

// Search filters the active list by display name.
func (s *Session) Search(query string) []model.Conversation { return s.store.Search(query) }

// Open makes id the open conversation and returns its messages. Opening any
// other conversation cancels an assistant exchange in flight, including one
// sent without opening the assistant first.
func (s *Session) Open(ctx context.Context, id string) ([]model.Message, error) {
	self := s.Self()
	if self.ID == "" {
		return nil, ErrNoSession
	}
	if id != model.AssistantConversationID {
		s.bridge.Cancel()
	}
	if id == model.AssistantConversationID {
		s.store.SetOpen(id)
		s.messages.Close()
		return s.bridge.Greet(), nil
	}
	if err := validation.ConversationID(id); err != nil {
		return nil, err
	}

	s.store.SetOpen(id)
	if _, err := s.messages.LoadHistory(ctx, id); err != nil {
		return nil, err
	}
	openID := s.messages.OpenID()
	_ = s.receipts.ResetUnread(ctx, openID, self.ID)
	for _, mid := range s.receipts.MarkAllRead(ctx, self.ID, s.messages.Messages()) {
		s.messages.patch(mid, func(m *model.Message) { m.IsRead = true })
	}
	return s.messages.Messages(), nil
}

// History returns the messages of the open conversation.
func (s *Session) History() []model.Message {
	if s.store.OpenID() == model.AssistantConversationID {
		return s.bridge.Transcript()
	}
	return s.messages.Messages()
}

// SendText sends text to a conversation. For the assistant conversation the
// call returns the assistant's reply.
func (s *Session) SendText(ctx context.Context, conversationID, text string) (model.Message, error) {
	self := s.Self()
	if self.ID == "" {
		return model.Message{}, ErrNoSession
	}
	if conversationID != model.AssistantConversationID {
		return s.messages.SendText(ctx, conversationID, text)
	}
	if err := s.validator.Message(text); err != nil {
		return model.Message{}, err
	}
	s.mu.RLock()
	name := s.selfName
	s.mu.RUnlock()
	req := assistant.Request{
		Message:   strings.TrimSpace(text),
		UserID:    self.ID,
		UserName:  name,
		Timestamp: time.Now().UTC(),
	}
	return s.bridge.Exchange(ctx, req, validation.Sanitize(text))
}

// SendMedia uploads and sends a file. The assistant conversation accepts text only.
func (s *Session) SendMedia(ctx context.Context, conversationID string, kind model.MediaKind, filename, contentType string, data []byte) (model.Message, error) {
	if s.Self().ID == "" {
		return model.Message{}, ErrNoSession
	}
	if conversationID == model.AssistantConversationID {
		return model.Message{}, ErrNotPermitted
	}
	return s.messages.SendMedia(ctx, conversationID, kind, filename, contentType, data)
}

// MarkRead marks one message read.
func (s *Session) MarkRead(ctx context.Context, messageID string) error {
	if err := s.receipts.MarkRead(ctx, messageID); err != nil {
		return err
	}
	s.messages.patch(messageID, func(m *model.Message) { m.IsRead = true })
	return nil
}

// Archive moves a conversation to the archived list.
func (s *Session) Archive(ctx context.Context, id string) error { return s.store.Archive(ctx, id) }

// Unarchive restores an archived conversation.
func (s *Session) Unarchive(ctx context.Context, id string) error { return s.store.Unarchive(ctx, id) }

// Delete removes a conversation with its messages and participants.
func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if s.messages.OpenID() == id {
		s.messages.Close()
	}
	return nil
}

// OpenDirect returns the direct conversation with otherID, or a placeholder
// that becomes durable on first send.
func (s *Session) OpenDirect(ctx context.Context, otherID string) (model.Conversation, error) {
	if err := validation.UserID(otherID); err != nil {
		return model.Conversation{}, err
	}
	if otherID == s.Self().ID {
		return model.Conversation{}, ErrNotPermitted
	}
	return s.store.OpenDirect(ctx, otherID)
}

// CreateGroup creates a group with the current user and memberIDs.
func (s *Session) CreateGroup(ctx context.Context, name string, memberIDs []string) (model.Conversation, error) {
	return s.store.CreateGroup(ctx, name, memberIDs)
}

// Users lists everyone but the current user, by name.
func (s *Session) Users(ctx context.Context) ([]model.UserRow, error) {
	self := s.Self()
	if self.ID == "" {
		return nil, ErrNoSession
	}
	rows, err := s.gw.Query(ctx, model.TableUsers, nil, gateway.Asc("name"))
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	users, err := model.DecodeAll[model.UserRow](rows)
	if err != nil {
		return nil, err
	}
	out := users[:0]
	for _, u := range users {
		if u.ID != self.ID {
			u.IsOnline = model.Flag(bool(u.IsOnline) || s.presence.IsOnline(u.ID))
			out = append(out, u)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

// Ping checks the gateway when it supports it.
func (s *Session) Ping(ctx context.Context) error {
	if p, ok := s.gw.(gateway.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
