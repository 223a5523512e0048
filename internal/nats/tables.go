package nats

import (
	"context"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

// Publisher appends row changes to a feed.
type Publisher interface {
	Publish(ctx context.Context, ev model.ChangeEvent) error
}

// PublishingTables decorates a table store so that every successful write is
// published as a change event. Publishing is best-effort: the write has
// already happened when it fails.
type PublishingTables struct {
	gateway.Tables
	pub    Publisher
	logger *logger.Logger
}

var (
	_ gateway.Tables = (*PublishingTables)(nil)
	_ gateway.Pinger = (*PublishingTables)(nil)
)

// NewPublishingTables wraps tables.
func NewPublishingTables(tables gateway.Tables, pub Publisher, log *logger.Logger) *PublishingTables {
	if log == nil {
		log = logger.NewNop()
	}
	return &PublishingTables{Tables: tables, pub: pub, logger: log.Named("publisher")}
}

func (t *PublishingTables) publish(ctx context.Context, ev model.ChangeEvent) {
	if err := t.pub.Publish(ctx, ev); err != nil {
		t.logger.Warn("change not published",
			zap.String("table", ev.Table), zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

// Insert implements gateway.Tables.
func (t *PublishingTables) Insert(ctx context.Context, table string, row model.Row) (model.Row, error) {
	out, err := t.Tables.Insert(ctx, table, row)
	if err != nil {
		return nil, err
	}
	t.publish(ctx, model.ChangeEvent{Table: table, Kind: model.ChangeInsert, Row: out.Clone()})
	return out, nil
}

// Update implements gateway.Tables. The published rows are the matched rows
// with patch applied.
func (t *PublishingTables) Update(ctx context.Context, table string, filter gateway.Filter, patch model.Row) error {
	before, qerr := t.Tables.Query(ctx, table, filter, gateway.Order{})
	if err := t.Tables.Update(ctx, table, filter, patch); err != nil {
		return err
	}
	if qerr != nil {
		t.logger.Warn("update not published", zap.String("table", table), zap.Error(qerr))
		return nil
	}
	for _, old := range before {
		row := old.Clone()
		for k, v := range patch {
			row[k] = v
		}
		t.publish(ctx, model.ChangeEvent{Table: table, Kind: model.ChangeUpdate, Row: row, Old: old})
	}
	return nil
}

// Delete implements gateway.Tables.
func (t *PublishingTables) Delete(ctx context.Context, table string, filter gateway.Filter) error {
	before, qerr := t.Tables.Query(ctx, table, filter, gateway.Order{})
	if err := t.Tables.Delete(ctx, table, filter); err != nil {
		return err
	}
	if qerr != nil {
		t.logger.Warn("delete not published", zap.String("table", table), zap.Error(qerr))
		return nil
	}
	for _, old := range before {
		t.publish(ctx, model.ChangeEvent{Table: table, Kind: model.ChangeDelete, Old: old})
	}
	return nil
}

// Ping forwards to the wrapped store when it supports it.
func (t *PublishingTables) Ping(ctx context.Context) error {
	if p, ok := t.Tables.(gateway.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
