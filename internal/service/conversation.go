// Package service implements the client-side chat engine: the conversation
// store, the message reconciler, presence tracking, read receipts and the
// session that wires them to a gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/internal/validation"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// OnlineChecker reports presence of a user.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// ConversationStore holds the conversation list of the current user.
type ConversationStore struct {
	tables          gateway.Tables
	emitter         *Emitter
	logger          *logger.Logger
	now             func() time.Time
	assistantAvatar string

	mu       sync.RWMutex
	selfID   string
	presence OnlineChecker
	active   []*model.Conversation
	archived []*model.Conversation
	openID   string
	// applied holds recently applied message ids so redelivered inserts
	// do not count twice.
	applied      map[string]struct{}
	appliedOrder []string

	reloads sync.WaitGroup
}

// maxApplied bounds the recently applied message ids kept by the store.
const maxApplied = 512

// NewConversationStore creates an empty store.
func NewConversationStore(tables gateway.Tables, emitter *Emitter, log *logger.Logger) *ConversationStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &ConversationStore{
		tables:  tables,
		emitter: emitter,
		logger:  log.Named("conversations"),
		now:     time.Now,
	}
}

// SetPresence makes online flags follow p.
func (s *ConversationStore) SetPresence(p OnlineChecker) {
	s.mu.Lock()
	s.presence = p
	s.mu.Unlock()
}

// SetAssistantAvatar sets the avatar shown for the assistant conversation.
func (s *ConversationStore) SetAssistantAvatar(url string) {
	s.mu.Lock()
	s.assistantAvatar = url
	s.mu.Unlock()
}

// SelfID returns the user the store was loaded for.
func (s *ConversationStore) SelfID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selfID
}

// Load rebuilds the store from the gateway and returns the active list: the
// assistant first, then by last message time, newest first.
func (s *ConversationStore) Load(ctx context.Context, selfID string) ([]model.Conversation, error) {
	active, archived, err := s.fetch(ctx, selfID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.selfID == selfID {
		previews := make(map[string]string)
		for _, c := range append(append([]*model.Conversation(nil), s.active...), s.archived...) {
			if c.LastMessagePreview != "" {
				previews[c.ID] = c.LastMessagePreview
			}
		}
		for _, c := range append(append([]*model.Conversation(nil), active...), archived...) {
			c.LastMessagePreview = previews[c.ID]
		}
		for _, c := range s.active {
			if c.IsPlaceholder && findDirect(append(active, archived...), selfID, c.CounterpartID) == nil {
				active = append(active, c)
			}
		}
	} else {
		s.applied, s.appliedOrder = nil, nil
	}
	s.selfID = selfID
	for _, c := range active {
		if c.ID == s.openID {
			c.UnreadCount = 0
		}
	}
	s.active = append([]*model.Conversation{model.NewAssistantConversation(s.assistantAvatar)}, active...)
	s.archived = archived
	s.applyPresenceLocked()
	s.sortLocked()
	out := snapshot(s.active)
	s.mu.Unlock()

	s.logger.Debug("conversations loaded", zap.Int("active", len(out)), zap.Int("archived", len(archived)))
	s.emitter.Emit(model.Event{Type: model.EventConversationsChanged})
	return out, nil
}

// Reload rebuilds the store for the current user.
func (s *ConversationStore) Reload(ctx context.Context) error {
	self := s.SelfID()
	if self == "" {
		return ErrNoSession
	}
	_, err := s.Load(ctx, self)
	return err
}

// ReloadAsync reloads in the background. Concurrent reloads race and the last
// one to finish wins.
func (s *ConversationStore) ReloadAsync(ctx context.Context) {
	s.reloads.Add(1)
	go func() {
		defer s.reloads.Done()
		if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("background reload failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background reloads finish.
func (s *ConversationStore) Wait() {
	s.reloads.Wait()
}

func (s *ConversationStore) fetch(ctx context.Context, selfID string) (active, archived []*model.Conversation, err error) {
	mine, err := s.tables.Query(ctx, model.TableParticipants, gateway.Where(gateway.Eq("user_id", selfID)), gateway.Order{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load participants: %w", err)
	}
	ids := uniqueStrings(mine, "conversation_id")
	if len(ids) == 0 {
		return nil, nil, nil
	}

	convRows, err := s.tables.Query(ctx, model.TableConversations, gateway.Where(gateway.In("id", ids)), gateway.Desc("last_message_at"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversations: %w", err)
	}
	convs, err := model.DecodeAll[model.ConversationRow](convRows)
	if err != nil {
		return nil, nil, err
	}

	partRows, err := s.tables.Query(ctx, model.TableParticipants, gateway.Where(gateway.In("conversation_id", ids)), gateway.Order{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load participants: %w", err)
	}
	parts, err := model.DecodeAll[model.ParticipantRow](partRows)
	if err != nil {
		return nil, nil, err
	}
	byConv := make(map[string][]model.ParticipantRow)
	var userIDs []string
	seenUser := map[string]bool{selfID: true}
	for _, p := range parts {
		byConv[p.ConversationID] = append(byConv[p.ConversationID], p)
		if !seenUser[p.UserID] {
			seenUser[p.UserID] = true
			userIDs = append(userIDs, p.UserID)
		}
	}

	users := make(map[string]model.UserRow)
	if len(userIDs) > 0 {
		rows, err := s.tables.Query(ctx, model.TableUsers, gateway.Where(gateway.In("id", userIDs)), gateway.Order{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load users: %w", err)
		}
		list, err := model.DecodeAll[model.UserRow](rows)
		if err != nil {
			return nil, nil, err
		}
		for _, u := range list {
			users[u.ID] = u
		}
	}

	var groupIDs []string
	for _, c := range convs {
		if bool(c.IsGroup) && c.GroupID != "" {
			groupIDs = append(groupIDs, c.GroupID)
		}
	}
	groups := make(map[string]model.GroupRow)
	if len(groupIDs) > 0 {
		rows, err := s.tables.Query(ctx, model.TableGroups, gateway.Where(gateway.In("id", groupIDs)), gateway.Order{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load groups: %w", err)
		}
		list, err := model.DecodeAll[model.GroupRow](rows)
		if err != nil {
			return nil, nil, err
		}
		for _, g := range list {
			groups[g.ID] = g
		}
	}

	for _, row := range convs {
		var group *model.GroupRow
		if g, ok := groups[row.GroupID]; ok {
			group = &g
		}
		c := model.BuildConversation(selfID, row, byConv[row.ID], users, group)
		if c.IsArchived {
			archived = append(archived, c)
		} else {
			active = append(active, c)
		}
	}
	return active, archived, nil
}

// List returns the active conversations in display order.
func (s *ConversationStore) List() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.active)
}

// Archived returns the archived conversations.
func (s *ConversationStore) Archived() []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot(s.archived)
}

// Search filters the active list by display name, case-insensitively.
func (s *ConversationStore) Search(query string) []model.Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conversation
	for _, c := range s.active {
		if q == "" || strings.Contains(strings.ToLower(c.DisplayName), q) {
			out = append(out, c.Clone())
		}
	}
	return out
}

// Get returns a loaded conversation, active or archived.
func (s *ConversationStore) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.findLocked(id); c != nil {
		return c.Clone(), true
	}
	return model.Conversation{}, false
}

// OpenID returns the id of the open conversation.
func (s *ConversationStore) OpenID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.openID
}

// SetOpen marks id as the open conversation and zeroes its unread count.
func (s *ConversationStore) SetOpen(id string) {
	s.mu.Lock()
	s.openID = id
	changed := false
	if c := s.findLocked(id); c != nil && c.UnreadCount != 0 {
		c.UnreadCount = 0
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.emitter.Emit(model.Event{Type: model.EventConversationsChanged, ConversationID: id})
	}
}

// ApplyIncomingMessage updates the owning conversation's preview and time.
// Messages from others in a conversation that is not open count as unread.
// A message for a conversation that is not loaded triggers a background reload.
// A message id already applied is ignored.
func (s *ConversationStore) ApplyIncomingMessage(ctx context.Context, msg model.Message) {
	s.mu.Lock()
	if !s.markAppliedLocked(msg.ID) {
		s.mu.Unlock()
		return
	}
	c := s.findLocked(msg.ConversationID)
	if c == nil {
		s.mu.Unlock()
		s.logger.Debug("message for unknown conversation, reloading", logger.ConversationID(msg.ConversationID))
		s.ReloadAsync(ctx)
		return
	}
	c.LastMessagePreview = msg.Preview()
	if c.LastMessageAt == nil || !msg.SentAt.Before(*c.LastMessageAt) {
		t := msg.SentAt
		c.LastMessageAt = &t
	}
	if msg.SenderID != s.selfID && msg.ConversationID != s.openID && !msg.IsRead {
		c.UnreadCount++
	}
	s.sortLocked()
	s.mu.Unlock()
	s.emitter.Emit(model.Event{Type: model.EventConversationsChanged, ConversationID: msg.ConversationID})
}

// SetOnline updates the online flag of direct conversations with userID.
func (s *ConversationStore) SetOnline(userID string, online bool) {
	s.mu.Lock()
	changed := false
	for _, c := range s.active {
		if !c.IsGroup && !c.IsAssistant && c.CounterpartID == userID && c.IsOnline != online {
			c.IsOnline = online
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.emitter.Emit(model.Event{Type: model.EventPresenceChanged, UserID: userID, Online: online})
	}
}

// OpenDirect returns the loaded direct conversation with otherID or
// synthesises a placeholder for it.
func (s *ConversationStore) OpenDirect(ctx context.Context, otherID string) (model.Conversation, error) {
	s.mu.RLock()
	self := s.selfID
	existing := findDirect(append(append([]*model.Conversation(nil), s.active...), s.archived...), self, otherID)
	var found model.Conversation
	if existing != nil {
		found = existing.Clone()
	}
	s.mu.RUnlock()
	if self == "" {
		return model.Conversation{}, ErrNoSession
	}
	if existing != nil {
		return found, nil
	}

	rows, err := s.tables.Query(ctx, model.TableUsers, gateway.Where(gateway.Eq("id", otherID)), gateway.Order{})
	if err != nil {
		return model.Conversation{}, fmt.Errorf("failed to load user: %w", err)
	}
	if len(rows) == 0 {
		return model.Conversation{}, fmt.Errorf("user %s: %w", otherID, gateway.ErrNotFound)
	}
	user, err := model.Decode[model.UserRow](rows[0])
	if err != nil {
		return model.Conversation{}, err
	}

	c := model.NewPlaceholderConversation(self, user)
	s.mu.Lock()
	if cur := s.findLocked(c.ID); cur != nil {
		found = cur.Clone()
		s.mu.Unlock()
		return found, nil
	}
	if s.presence != nil {
		c.IsOnline = s.presence.IsOnline(otherID)
	}
	s.active = append(s.active, c)
	s.sortLocked()
	found = c.Clone()
	s.mu.Unlock()

	s.emitter.Emit(model.Event{Type: model.EventConversationsChanged, ConversationID: c.ID})
	return found, nil
}

// FindDirect looks for a durable non-group conversation made of exactly the
// current user and otherID.
func (s *ConversationStore) FindDirect(ctx context.Context, otherID string) (string, bool, error) {
	self := s.SelfID()
	mine, err := s.tables.Query(ctx, model.TableParticipants, gateway.Where(gateway.Eq("user_id", self)), gateway.Order{})
	if err != nil {
		return "", false, fmt.Errorf("failed to load participants: %w", err)
	}
	ids := uniqueStrings(mine, "conversation_id")
	if len(ids) == 0 {
		return "", false, nil
	}

	rows, err := s.tables.Query(ctx, model.TableParticipants, gateway.Where(gateway.In("conversation_id", ids)), gateway.Order{})
	if err != nil {
		return "", false, fmt.Errorf("failed to load participants: %w", err)
	}
	members := make(map[string][]string)
	for _, r := range rows {
		id := r.String("conversation_id")
		members[id] = append(members[id], r.String("user_id"))
	}
	var candidates []string
	for _, id := range ids {
		c := model.Conversation{ParticipantIDs: members[id]}
		if c.HasExactParticipants(self, otherID) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}

	convRows, err := s.tables.Query(ctx, model.TableConversations,
		gateway.Where(gateway.In("id", candidates), gateway.Eq("is_group", false)), gateway.Desc("last_message_at"))
	if err != nil {
		return "", false, fmt.Errorf("failed to load conversations: %w", err)
	}
	if len(convRows) == 0 {
		return "", false, nil
	}
	return convRows[0].String("id"), true, nil
}

// CreateDirect creates a direct conversation with otherID and both
// participant rows. A partial creation is rolled back.
func (s *ConversationStore) CreateDirect(ctx context.Context, otherID string) (string, error) {
	self := s.SelfID()
	row, err := s.tables.Insert(ctx, model.TableConversations, model.Row{
		"is_group":        false,
		"is_archived":     false,
		"last_message_at": s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	id := row.String("id")
	if err := s.addParticipants(ctx, id, self, otherID); err != nil {
		s.rollbackConversation(ctx, id)
		return "", err
	}
	s.logger.Info("direct conversation created", logger.ConversationID(id), zap.String("counterpart_id", otherID))
	return id, nil
}

// Promote replaces a placeholder with the durable conversation id.
func (s *ConversationStore) Promote(placeholderID, conversationID string) {
	s.mu.Lock()
	if s.openID == placeholderID {
		s.openID = conversationID
	}
	idx := indexOf(s.active, placeholderID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	if s.findLocked(conversationID) != nil {
		s.active = append(s.active[:idx], s.active[idx+1:]...)
	} else {
		c := s.active[idx]
		c.ID = conversationID
		c.IsPlaceholder = false
	}
	s.mu.Unlock()
	s.emitter.Emit(model.Event{Type: model.EventConversationsChanged, ConversationID: conversationID})
}

// CreateGroup creates a group conversation with the current user and
// memberIDs, then reloads the store.
func (s *ConversationStore) CreateGroup(ctx context.Context, name string, memberIDs []string) (model.Conversation, error) {
	if err := validation.GroupName(name); err != nil {
		return model.Conversation{}, err
	}
	self := s.SelfID()
	if self == "" {
		return model.Conversation{}, ErrNoSession
	}
	members := []string{self}
	seen := map[string]bool{self: true}
	for _, id := range memberIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	if len(members) < 2 {
		return model.Conversation{}, &validation.Error{Field: "members", Message: "Selecione pelo menos um participante"}
	}

	group, err := s.tables.Insert(ctx, model.TableGroups, model.Row{"name": strings.TrimSpace(name), "created_by": self})
	if err != nil {
		return model.Conversation{}, s.fail("Erro ao criar grupo", fmt.Errorf("failed to create group: %w", err))
	}
	conv, err := s.tables.Insert(ctx, model.TableConversations, model.Row{
		"is_group":        true,
		"group_id":        group.String("id"),
		"is_archived":     false,
		"last_message_at": s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.bestEffortDelete(ctx, model.TableGroups, gateway.Where(gateway.Eq("id", group.String("id"))))
		return model.Conversation{}, s.fail("Erro ao criar grupo", fmt.Errorf("failed to create conversation: %w", err))
	}
	id := conv.String("id")
	if err := s.addParticipants(ctx, id, members...); err != nil {
		s.rollbackConversation(ctx, id)
		s.bestEffortDelete(ctx, model.TableGroups, gateway.Where(gateway.Eq("id", group.String("id"))))
		return model.Conversation{}, s.fail("Erro ao criar grupo", err)
	}

	if _, err := s.Load(ctx, self); err != nil {
		return model.Conversation{}, err
	}
	c, ok := s.Get(id)
	if !ok {
		return model.Conversation{}, ErrUnknownConversation
	}
	return c, nil
}

// Archive hides a conversation from the active list after the remote update succeeds.
func (s *ConversationStore) Archive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, true)
}

// Unarchive restores an archived conversation.
func (s *ConversationStore) Unarchive(ctx context.Context, id string) error {
	return s.setArchived(ctx, id, false)
}

func (s *ConversationStore) setArchived(ctx context.Context, id string, archived bool) error {
	if !archived && model.IsPlaceholderID(id) {
		return ErrUnknownConversation
	}
	if handled, err := s.guardDestructive(id); handled {
		return err
	}
	if err := s.checkParticipant(ctx, id); err != nil {
		return err
	}
	if err := s.tables.Update(ctx, model.TableConversations, gateway.Where(gateway.Eq("id", id)), model.Row{"is_archived": archived}); err != nil {
		return s.fail("Erro ao arquivar conversa", fmt.Errorf("failed to update conversation: %w", err))
	}

	s.mu.Lock()
	from, to := &s.active, &s.archived
	if !archived {
		from, to = &s.archived, &s.active
	}
	if idx := indexOf(*from, id); idx >= 0 {
		c := (*from)[idx]
		c.IsArchived = archived
		*from = append((*from)[:idx], (*from)[idx+1:]...)
		*to = append(*to, c)
	}
	s.sortLocked()
	s.mu.Unlock()

	s.logger.Info("conversation archive state changed", logger.ConversationID(id), zap.Bool("archived", archived))
	s.emitter.Emit(model.Event{Type: model.EventConversationsChanged, ConversationID: id})
	return nil
}

// Delete removes a conversation with its messages and participants.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	if handled, err := s.guardDestructive(id); handled {
		return err
	}
	if err := s.checkParticipant(ctx, id); err != nil {
		return err
	}
	steps := []struct {
		table  string
		filter gateway.Filter
	}{
		{model.TableMessages, gateway.Where(gateway.Eq("conversation_id", id))},
		{model.TableParticipants, gateway.Where(gateway.Eq("conversation_id", id))},
		{model.TableConversations, gateway.Where(gateway.Eq("id", id))},
	}
	for _, step := range steps {
		if err := s.tables.Delete(ctx, step.table, step.filter); err != nil {
			return s.fail("Erro ao excluir conversa", fmt.Errorf("failed to delete %s: %w", step.table, err))
		}
	}

	s.removeLocal(id)
	s.logger.Info("conversation deleted", logger.ConversationID(id))
	return nil
}

// guardDestructive handles the assistant and placeholder cases of
// archive/unarchive/delete. handled is false when the remote path applies.
func (s *ConversationStore) guardDestructive(id string) (handled bool, err error) {
	if id == model.AssistantConversationID {
		s.emitter.Toast(model.ToastError, "Ação não permitida", "Não é possível arquivar ou excluir a conversa com a IARA")
		return true, ErrNotPermitted
	}
	if model.IsPlaceholderID(id) {
		if !s.removeLocal(id) {
			return true, ErrUnknownConversation
		}
		return true, nil
	}
	return false, nil
}

func (s *ConversationStore) checkParticipant(ctx context.Context, id string) error {
	rows, err := s.tables.Query(ctx, model.TableParticipants,
		gateway.Where(gateway.Eq("conversation_id", id), gateway.Eq("user_id", s.SelfID())), gateway.Order{})
	if err != nil {
		return s.fail("Erro ao verificar permissão", fmt.Errorf("failed to check participant: %w", err))
	}
	if len(rows) == 0 {
		return s.fail("Sem permissão para esta conversa", ErrNotParticipant)
	}
	return nil
}

func (s *ConversationStore) removeLocal(id string) bool {
	s.mu.Lock()
	removed := false
	if idx := indexOf(s.active, id); idx >= 0 {
		s.active = append(s.active[:idx], s.active[idx+1:]...)
		removed = true
	}
	if idx := indexOf(s.archived, id); idx >= 0 {
		s.archived = append(s.archived[:idx], s.archived[idx+1:]...)
		removed = true
	}
	if s.openID == id {
		s.openID = ""
	}
	s.mu.Unlock()
	if removed {
		s.emitter.Emit(model.Event{Type: model.EventConversationsChanged, ConversationID: id})
	}
	return removed
}

func (s *ConversationStore) addParticipants(ctx context.Context, conversationID string, userIDs ...string) error {
	for _, uid := range userIDs {
		if _, err := s.tables.Insert(ctx, model.TableParticipants, model.Row{
			"conversation_id": conversationID,
			"user_id":         uid,
			"unread_count":    0,
		}); err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}
	return nil
}

func (s *ConversationStore) rollbackConversation(ctx context.Context, id string) {
	s.bestEffortDelete(ctx, model.TableParticipants, gateway.Where(gateway.Eq("conversation_id", id)))
	s.bestEffortDelete(ctx, model.TableConversations, gateway.Where(gateway.Eq("id", id)))
}

func (s *ConversationStore) bestEffortDelete(ctx context.Context, table string, filter gateway.Filter) {
	if err := s.tables.Delete(ctx, table, filter); err != nil {
		s.logger.Warn("rollback failed", zap.String("table", table), zap.Error(err))
	}
}

// fail reports err to the user and returns it.
func (s *ConversationStore) fail(title string, err error) error {
	msg := "Tente novamente em instantes."
	if errors.Is(err, ErrNotParticipant) || errors.Is(err, gateway.ErrPermission) {
		msg = "Você não participa desta conversa."
	}
	s.logger.Warn(title, zap.Error(err))
	s.emitter.Toast(model.ToastError, title, msg)
	return err
}

// markAppliedLocked records id and reports whether it was new. Empty ids are
// always new.
func (s *ConversationStore) markAppliedLocked(id string) bool {
	if id == "" {
		return true
	}
	if _, ok := s.applied[id]; ok {
		return false
	}
	if s.applied == nil {
		s.applied = make(map[string]struct{})
	}
	if len(s.appliedOrder) >= maxApplied {
		delete(s.applied, s.appliedOrder[0])
		s.appliedOrder = s.appliedOrder[1:]
	}
	s.applied[id] = struct{}{}
	s.appliedOrder = append(s.appliedOrder, id)
	return true
}

func (s *ConversationStore) findLocked(id string) *model.Conversation {
	if idx := indexOf(s.active, id); idx >= 0 {
		return s.active[idx]
	}
	if idx := indexOf(s.archived, id); idx >= 0 {
		return s.archived[idx]
	}
	return nil
}

func (s *ConversationStore) applyPresenceLocked() {
	if s.presence == nil {
		return
	}
	for _, c := range s.active {
		if !c.IsGroup && !c.IsAssistant {
			c.IsOnline = s.presence.IsOnline(c.CounterpartID)
		}
	}
}

// sortLocked pins the assistant first and orders the rest by last message
// time, newest first. A missing time sorts as now.
func (s *ConversationStore) sortLocked() {
	now := s.now()
	at := func(c *model.Conversation) time.Time {
		if c.LastMessageAt == nil {
			return now
		}
		return *c.LastMessageAt
	}
	for _, list := range [][]*model.Conversation{s.active, s.archived} {
		sort.SliceStable(list, func(i, j int) bool {
			a, b := list[i], list[j]
			if a.IsAssistant != b.IsAssistant {
				return a.IsAssistant
			}
			return at(a).After(at(b))
		})
	}
}

func findDirect(list []*model.Conversation, selfID, otherID string) *model.Conversation {
	for _, c := range list {
		if c.IsGroup || c.IsAssistant {
			continue
		}
		if c.IsPlaceholder {
			continue
		}
		if c.HasExactParticipants(selfID, otherID) {
			return c
		}
	}
	return nil
}

func indexOf(list []*model.Conversation, id string) int {
	for i, c := range list {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func snapshot(list []*model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(list))
	for i, c := range list {
		out[i] = c.Clone()
	}
	return out
}

func uniqueStrings(rows []model.Row, key string) []string {
	seen := make(map[string]bool, len(rows))
	var out []string
	for _, r := range rows {
		v := r.String(key)
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
