package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

const (
	// StreamName is the name of the row change stream.
	StreamName = "ZRCHAT_CHANGES"

	// SubjectPrefix is the prefix for all change subjects.
	SubjectPrefix = "zrchat.changes"
)

// ChangeSubject returns the subject a change of kind on table is published to.
func ChangeSubject(table string, kind model.ChangeKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, table, kind)
}

// TableFilter returns the filter subjects selecting kinds on table. An empty
// kinds list selects every kind.
func TableFilter(table string, kinds []model.ChangeKind) []string {
	if len(kinds) == 0 {
		return []string{fmt.Sprintf("%s.%s.*", SubjectPrefix, table)}
	}
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = ChangeSubject(table, k)
	}
	return out
}

// ChangeFeed implements gateway.ChangeFeed on a JetStream stream.
type ChangeFeed struct {
	client *Client
	logger *logger.Logger
}

var _ gateway.ChangeFeed = (*ChangeFeed)(nil)

// NewChangeFeed creates the feed, making sure the stream exists.
func NewChangeFeed(ctx context.Context, client *Client, log *logger.Logger) (*ChangeFeed, error) {
	if log == nil {
		log = logger.NewNop()
	}
	f := &ChangeFeed{client: client, logger: log.Named("changes")}
	if err := f.EnsureStream(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// EnsureStream ensures the change stream exists with proper configuration.
func (f *ChangeFeed) EnsureStream(ctx context.Context) error {
	js := f.client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		MaxBytes:    1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Row changes of the chat tables",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish appends a change to the stream.
func (f *ChangeFeed) Publish(ctx context.Context, ev model.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if _, err := f.client.JetStream().Publish(ctx, ChangeSubject(ev.Table, ev.Kind), data); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

func decodeChange(data []byte) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.ChangeEvent{}, err
	}
	if ev.Table == "" || ev.Kind == "" {
		return model.ChangeEvent{}, errors.New("change without table or kind")
	}
	return ev, nil
}

type changeSub struct {
	cc   jetstream.ConsumeContext
	pump *gateway.Pump[model.ChangeEvent]
}

func (s *changeSub) Events() <-chan model.ChangeEvent { return s.pump.C() }

func (s *changeSub) Close() error {
	if s.cc != nil {
		s.cc.Stop()
	}
	s.pump.Close()
	return nil
}

// Subscribe implements gateway.ChangeFeed. Only changes published after the
// call are delivered.
func (f *ChangeFeed) Subscribe(ctx context.Context, table string, kinds ...model.ChangeKind) (gateway.Subscription, error) {
	cons, err := f.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: TableFilter(table, kinds),
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create consumer for %s: %v", gateway.ErrUnavailable, table, err)
	}

	sub := &changeSub{pump: gateway.NewPump[model.ChangeEvent]()}
	log := f.logger.With(zap.String("table", table))
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		ev, err := decodeChange(msg.Data())
		if err != nil {
			log.Warn("dropping malformed change", zap.String("subject", msg.Subject()), zap.Error(err))
			return
		}
		sub.pump.Push(ev)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		if errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn("change feed lost", zap.Error(err))
			sub.pump.Close()
			return
		}
		log.Debug("consume error", zap.Error(err))
	}))
	if err != nil {
		sub.pump.Close()
		return nil, fmt.Errorf("%w: consume %s: %v", gateway.ErrUnavailable, table, err)
	}
	sub.cc = cc
	return sub, nil
}
