package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// envelope is a Phoenix channel frame.
type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type outbound struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []postgresChange `json:"postgres_changes"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// socket is one realtime connection joined to a single topic.
type socket struct {
	conn   *websocket.Conn
	topic  string
	logger *logger.Logger

	writeMu sync.Mutex
	ref     atomic.Uint64
	closed  chan struct{}
	once    sync.Once
}

func (c *Client) realtimeURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = c.base.Path + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {c.anonKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String()
}

// open dials the realtime endpoint and joins topic, waiting for the reply.
func (c *Client) open(ctx context.Context, topic string, cfg joinConfig) (*socket, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := d.DialContext(ctx, c.realtimeURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: realtime dial: %v", gateway.ErrUnavailable, err)
	}
	s := &socket{conn: conn, topic: topic, logger: c.logger.With(zap.String("topic", topic)), closed: make(chan struct{})}

	payload := map[string]any{"config": cfg}
	if t := c.accessToken(); t != "" {
		payload["access_token"] = t
	}
	ref, err := s.send(topic, "phx_join", payload)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("%w: realtime join: %v", gateway.ErrUnavailable, err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.close()
			return nil, fmt.Errorf("%w: realtime join: %v", gateway.ErrUnavailable, err)
		}
		if env.Event != "phx_reply" || env.Ref == nil || *env.Ref != ref {
			continue
		}
		var reply struct {
			Status   string          `json:"status"`
			Response json.RawMessage `json:"response"`
		}
		_ = json.Unmarshal(env.Payload, &reply)
		if reply.Status != "ok" {
			s.close()
			return nil, fmt.Errorf("realtime join %s rejected: %s: %w", topic, string(reply.Response), gateway.ErrPermission)
		}
		break
	}
	_ = conn.SetReadDeadline(time.Time{})

	go s.keepalive(c.heartbeat)
	return s, nil
}

func (s *socket) send(topic, event string, payload any) (string, error) {
	ref := strconv.FormatUint(s.ref.Add(1), 10)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ref, s.conn.WriteJSON(outbound{Topic: topic, Event: event, Payload: payload, Ref: ref})
}

func (s *socket) keepalive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
			if _, err := s.send("phoenix", "heartbeat", struct{}{}); err != nil {
				s.logger.Warn("realtime heartbeat failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

// run reads frames for the socket's topic until the connection or channel ends.
func (s *socket) run(handle func(envelope)) {
	defer s.close()
	for {
		var env envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("realtime connection lost", zap.Error(err))
			}
			return
		}
		if env.Topic != s.topic {
			continue
		}
		switch env.Event {
		case "phx_error", "phx_close":
			s.logger.Warn("realtime channel closed by server", zap.String("event", env.Event))
			return
		case "phx_reply":
			continue
		}
		handle(env)
	}
}

// leave says goodbye on the channel and closes the connection.
func (s *socket) leave() {
	select {
	case <-s.closed:
		return
	default:
	}
	if _, err := s.send(s.topic, "phx_leave", struct{}{}); err != nil {
		s.logger.Debug("realtime leave failed", zap.Error(err))
	}
	s.close()
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(250*time.Millisecond))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

type changeData struct {
	Type      string    `json:"type"`
	Table     string    `json:"table"`
	Record    model.Row `json:"record"`
	OldRecord model.Row `json:"old_record"`
}

func decodeChange(raw json.RawMessage) (changeData, bool) {
	var wrapped struct {
		Data *changeData `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Data != nil {
		return *wrapped.Data, wrapped.Data.Type != ""
	}
	var flat changeData
	if err := json.Unmarshal(raw, &flat); err != nil {
		return changeData{}, false
	}
	return flat, flat.Type != ""
}

type changeSub struct {
	socket *socket
	pump   *gateway.Pump[model.ChangeEvent]
}

func (s *changeSub) Events() <-chan model.ChangeEvent { return s.pump.C() }

func (s *changeSub) Close() error {
	s.socket.leave()
	s.pump.Close()
	return nil
}

// Subscribe implements gateway.ChangeFeed over postgres_changes.
func (c *Client) Subscribe(ctx context.Context, table string, kinds ...model.ChangeKind) (gateway.Subscription, error) {
	event := "*"
	if len(kinds) == 1 {
		event = string(kinds[0])
	}
	var cfg joinConfig
	cfg.PostgresChanges = []postgresChange{{Event: event, Schema: "public", Table: table}}

	s, err := c.open(ctx, "realtime:"+table+"-changes", cfg)
	if err != nil {
		return nil, err
	}
	sub := &changeSub{socket: s, pump: gateway.NewPump[model.ChangeEvent]()}
	go func() {
		defer sub.pump.Close()
		s.run(func(env envelope) {
			if env.Event != "postgres_changes" {
				return
			}
			data, ok := decodeChange(env.Payload)
			if !ok || (data.Table != "" && data.Table != table) {
				return
			}
			kind := model.ChangeKind(data.Type)
			if !gateway.MatchesKind(kinds, kind) {
				return
			}
			sub.pump.Push(model.ChangeEvent{Table: table, Kind: kind, Row: data.Record, Old: data.OldRecord})
		})
	}()
	c.logger.Debug("realtime subscribed", zap.String("table", table), zap.String("event", event))
	return sub, nil
}

type presenceMeta struct {
	UserID   string `json:"user_id"`
	OnlineAt string `json:"online_at,omitempty"`
}

type presenceEntry struct {
	Metas []presenceMeta `json:"metas"`
}

func presenceStates(entries map[string]presenceEntry) []model.PresenceState {
	var out []model.PresenceState
	for key, e := range entries {
		for _, m := range e.Metas {
			st := model.PresenceState{UserID: m.UserID}
			if st.UserID == "" {
				st.UserID = key
			}
			if t, err := time.Parse(time.RFC3339Nano, m.OnlineAt); err == nil {
				st.JoinedAt = t
			}
			out = append(out, st)
		}
	}
	return out
}

type presenceSub struct {
	socket *socket
	pump   *gateway.Pump[model.PresenceEvent]
	once   sync.Once
}

func (p *presenceSub) Events() <-chan model.PresenceEvent { return p.pump.C() }

func (p *presenceSub) Leave() error {
	p.once.Do(func() {
		if _, err := p.socket.send(p.socket.topic, "presence", map[string]any{"type": "presence", "event": "untrack"}); err != nil {
			p.socket.logger.Debug("presence untrack failed", zap.Error(err))
		}
		p.socket.leave()
		p.pump.Close()
	})
	return nil
}

// JoinPresence implements gateway.PresenceChannel. The state is tracked
// under the user's id as presence key.
func (c *Client) JoinPresence(ctx context.Context, channel string, state model.PresenceState) (gateway.PresenceSubscription, error) {
	var cfg joinConfig
	cfg.Presence.Key = state.UserID
	cfg.PostgresChanges = []postgresChange{}
	s, err := c.open(ctx, "realtime:"+channel, cfg)
	if err != nil {
		return nil, err
	}
	sub := &presenceSub{socket: s, pump: gateway.NewPump[model.PresenceEvent]()}
	go func() {
		defer sub.pump.Close()
		s.run(func(env envelope) {
			switch env.Event {
			case "presence_state":
				var entries map[string]presenceEntry
				if err := json.Unmarshal(env.Payload, &entries); err != nil {
					s.logger.Warn("bad presence_state", zap.Error(err))
					return
				}
				sub.pump.Push(model.PresenceEvent{Kind: model.PresenceSync, Presences: presenceStates(entries)})
			case "presence_diff":
				var diff struct {
					Joins  map[string]presenceEntry `json:"joins"`
					Leaves map[string]presenceEntry `json:"leaves"`
				}
				if err := json.Unmarshal(env.Payload, &diff); err != nil {
					s.logger.Warn("bad presence_diff", zap.Error(err))
					return
				}
				if joins := presenceStates(diff.Joins); len(joins) > 0 {
					sub.pump.Push(model.PresenceEvent{Kind: model.PresenceJoin, Presences: joins})
				}
				if leaves := presenceStates(diff.Leaves); len(leaves) > 0 {
					sub.pump.Push(model.PresenceEvent{Kind: model.PresenceLeave, Presences: leaves})
				}
			}
		})
	}()

	meta := presenceMeta{UserID: state.UserID, OnlineAt: state.JoinedAt.UTC().Format(time.RFC3339Nano)}
	if _, err := s.send(s.topic, "presence", map[string]any{"type": "presence", "event": "track", "payload": meta}); err != nil {
		_ = sub.Leave()
		return nil, fmt.Errorf("%w: presence track: %v", gateway.ErrUnavailable, err)
	}
	return sub, nil
}
