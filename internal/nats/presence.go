package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// PresencePrefix prefixes presence channel subjects.
const PresencePrefix = "zrchat.presence."

type presenceOp string

const (
	opJoin  presenceOp = "join"
	opLeave presenceOp = "leave"
	// opHere answers a join directly to the joiner.
	opHere presenceOp = "here"
)

type presenceMsg struct {
	Op       presenceOp          `json:"op"`
	Instance string              `json:"instance"`
	State    model.PresenceState `json:"state"`
}

// Presence implements gateway.PresenceChannel over core NATS. Every joined
// instance announces itself on the channel subject and answers newcomers on
// their inbox. Members that vanish without leaving are not evicted.
type Presence struct {
	client *Client
	logger *logger.Logger
}

var _ gateway.PresenceChannel = (*Presence)(nil)

// NewPresence creates a presence channel provider.
func NewPresence(client *Client, log *logger.Logger) *Presence {
	if log == nil {
		log = logger.NewNop()
	}
	return &Presence{client: client, logger: log.Named("presence")}
}

type presenceSub struct {
	nc       *nats.Conn
	subject  string
	instance string
	state    model.PresenceState
	pump     *gateway.Pump[model.PresenceEvent]
	logger   *logger.Logger

	subs []*nats.Subscription
	once sync.Once
}

// JoinPresence implements gateway.PresenceChannel.
func (p *Presence) JoinPresence(ctx context.Context, channel string, state model.PresenceState) (gateway.PresenceSubscription, error) {
	nc := p.client.Conn()
	s := &presenceSub{
		nc:       nc,
		subject:  PresencePrefix + channel,
		instance: uuid.NewString(),
		state:    state,
		pump:     gateway.NewPump[model.PresenceEvent](),
		logger:   p.logger.With(zap.String("channel", channel)),
	}

	inbox := nc.NewInbox()
	for _, subject := range []string{inbox, s.subject} {
		sub, err := nc.Subscribe(subject, s.receive)
		if err != nil {
			s.unsubscribe()
			s.pump.Close()
			return nil, fmt.Errorf("%w: presence subscribe: %v", gateway.ErrUnavailable, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.pump.Push(model.PresenceEvent{Kind: model.PresenceSync, Presences: []model.PresenceState{state}})

	data, err := s.encode(opJoin)
	if err == nil {
		err = nc.PublishMsg(&nats.Msg{Subject: s.subject, Reply: inbox, Data: data})
	}
	if err == nil {
		err = nc.FlushWithContext(ctx)
	}
	if err != nil {
		s.unsubscribe()
		s.pump.Close()
		return nil, fmt.Errorf("%w: presence join: %v", gateway.ErrUnavailable, err)
	}
	return s, nil
}

func (s *presenceSub) encode(op presenceOp) ([]byte, error) {
	return json.Marshal(presenceMsg{Op: op, Instance: s.instance, State: s.state})
}

func (s *presenceSub) receive(msg *nats.Msg) {
	var pm presenceMsg
	if err := json.Unmarshal(msg.Data, &pm); err != nil {
		s.logger.Warn("dropping malformed presence message", zap.Error(err))
		return
	}
	ev, answer := s.handle(pm)
	if answer && msg.Reply != "" {
		if data, err := s.encode(opHere); err == nil {
			if err := s.nc.Publish(msg.Reply, data); err != nil {
				s.logger.Warn("presence answer failed", zap.Error(err))
			}
		}
	}
	if ev != nil {
		s.pump.Push(*ev)
	}
}

// handle turns a channel message into a presence event and reports whether
// the sender expects an answer.
func (s *presenceSub) handle(pm presenceMsg) (*model.PresenceEvent, bool) {
	if pm.Instance == s.instance || pm.State.UserID == "" {
		return nil, false
	}
	states := []model.PresenceState{pm.State}
	switch pm.Op {
	case opJoin:
		return &model.PresenceEvent{Kind: model.PresenceJoin, Presences: states}, true
	case opHere:
		return &model.PresenceEvent{Kind: model.PresenceJoin, Presences: states}, false
	case opLeave:
		return &model.PresenceEvent{Kind: model.PresenceLeave, Presences: states}, false
	}
	return nil, false
}

func (s *presenceSub) Events() <-chan model.PresenceEvent { return s.pump.C() }

func (s *presenceSub) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
}

// Leave announces the departure and stops delivery.
func (s *presenceSub) Leave() error {
	var err error
	s.once.Do(func() {
		s.unsubscribe()
		var data []byte
		if data, err = s.encode(opLeave); err == nil {
			err = s.nc.Publish(s.subject, data)
		}
		s.pump.Close()
	})
	return err
}
