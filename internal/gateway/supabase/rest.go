package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

const restPath = "/rest/v1/"

// filterQuery renders a filter in PostgREST operator syntax.
func filterQuery(filter gateway.Filter, q url.Values) url.Values {
	if q == nil {
		q = url.Values{}
	}
	for _, c := range filter {
		switch c.Op {
		case gateway.OpIn:
			vals := make([]string, len(c.Values))
			for i, v := range c.Values {
				vals[i] = quote(gateway.Format(v))
			}
			q.Add(c.Column, "in.("+strings.Join(vals, ",")+")")
		default:
			var v any
			if len(c.Values) > 0 {
				v = c.Values[0]
			}
			if v == nil {
				q.Add(c.Column, "is.null")
				continue
			}
			q.Add(c.Column, "eq."+gateway.Format(v))
		}
	}
	return q
}

// quote wraps a list value in double quotes so reserved characters survive.
func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// Query implements gateway.Tables.
func (c *Client) Query(ctx context.Context, table string, filter gateway.Filter, order gateway.Order) ([]model.Row, error) {
	if filter.Empty() {
		return nil, nil
	}
	q := filterQuery(filter, url.Values{"select": {"*"}})
	if order.Column != "" {
		dir := "desc.nullslast"
		if order.Ascending {
			dir = "asc.nullsfirst"
		}
		q.Set("order", order.Column+"."+dir)
	}
	body, err := c.do(ctx, request{method: http.MethodGet, path: restPath + table, query: q})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	var rows []model.Row
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("query %s: decode: %w", table, err)
	}
	return rows, nil
}

// Insert implements gateway.Tables.
func (c *Client) Insert(ctx context.Context, table string, row model.Row) (model.Row, error) {
	body, err := jsonBody(row)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   restPath + table,
		query:  url.Values{"select": {"*"}},
		body:   body,
		headers: http.Header{
			"Content-Type": {"application/json"},
			"Prefer":       {"return=representation"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	var rows []model.Row
	if err := json.Unmarshal(resp, &rows); err != nil {
		return nil, fmt.Errorf("insert %s: decode: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert %s: %w", table, gateway.ErrPermission)
	}
	return rows[0], nil
}

// Update implements gateway.Tables.
func (c *Client) Update(ctx context.Context, table string, filter gateway.Filter, patch model.Row) error {
	if filter.Empty() {
		return nil
	}
	body, err := jsonBody(patch)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, request{
		method: http.MethodPatch,
		path:   restPath + table,
		query:  filterQuery(filter, nil),
		body:   body,
		headers: http.Header{
			"Content-Type": {"application/json"},
			"Prefer":       {"return=minimal"},
		},
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	return nil
}

// Delete implements gateway.Tables.
func (c *Client) Delete(ctx context.Context, table string, filter gateway.Filter) error {
	if filter.Empty() {
		return nil
	}
	_, err := c.do(ctx, request{
		method:  http.MethodDelete,
		path:    restPath + table,
		query:   filterQuery(filter, nil),
		headers: http.Header{"Prefer": {"return=minimal"}},
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// Ping implements gateway.Pinger.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   restPath + model.TableUsers,
		query:  url.Values{"select": {"id"}, "limit": {"1"}},
	})
	return err
}
