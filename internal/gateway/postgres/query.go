package postgres

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/model"
)

// columns lists the writable and filterable columns of each table.
var columns = map[string][]string{
	model.TableUsers:         {"id", "name", "email", "avatar_url", "is_online", "whatsapp"},
	model.TableConversations: {"id", "is_group", "group_id", "is_archived", "last_message_at"},
	model.TableParticipants:  {"conversation_id", "user_id", "unread_count", "last_seen"},
	model.TableMessages:      {"id", "conversation_id", "sender_id", "text", "image_url", "audio_url", "video_url", "sent_at", "is_read"},
	model.TableGroups:        {"id", "name", "avatar_url", "created_by"},
}

func known(table, column string) bool {
	for _, c := range columns[table] {
		if c == column {
			return true
		}
	}
	return false
}

func checkTable(table string) error {
	if _, ok := columns[table]; !ok {
		return fmt.Errorf("postgres: unknown table %q", table)
	}
	return nil
}

// args collects positional parameters.
type args []any

func (a *args) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

func where(table string, filter gateway.Filter, a *args) (string, error) {
	if len(filter) == 0 {
		return "", nil
	}
	conds := make([]string, 0, len(filter))
	for _, c := range filter {
		if !known(table, c.Column) {
			return "", fmt.Errorf("postgres: unknown column %s.%s", table, c.Column)
		}
		switch c.Op {
		case gateway.OpIn:
			vals := make([]string, len(c.Values))
			for i, v := range c.Values {
				vals[i] = gateway.Format(v)
			}
			conds = append(conds, fmt.Sprintf("%s::text = ANY(%s::text[])", c.Column, a.add(vals)))
		default:
			var v any
			if len(c.Values) > 0 {
				v = c.Values[0]
			}
			if v == nil {
				conds = append(conds, c.Column+" IS NULL")
				continue
			}
			conds = append(conds, fmt.Sprintf("%s = %s", c.Column, a.add(v)))
		}
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func buildSelect(table string, filter gateway.Filter, order gateway.Order) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	var a args
	w, err := where(table, filter, &a)
	if err != nil {
		return "", nil, err
	}
	sql := "SELECT * FROM " + table + w
	if order.Column != "" {
		if !known(table, order.Column) {
			return "", nil, fmt.Errorf("postgres: unknown column %s.%s", table, order.Column)
		}
		if order.Ascending {
			sql += " ORDER BY " + order.Column + " ASC NULLS FIRST"
		} else {
			sql += " ORDER BY " + order.Column + " DESC NULLS LAST"
		}
	}
	return sql, a, nil
}

// sortedKeys returns the row's keys in a stable order, rejecting unknown columns.
func sortedKeys(table string, row model.Row) ([]string, error) {
	keys := make([]string, 0, len(row))
	for k := range row {
		if !known(table, k) {
			return nil, fmt.Errorf("postgres: unknown column %s.%s", table, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func buildInsert(table string, row model.Row) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	keys, err := sortedKeys(table, row)
	if err != nil {
		return "", nil, err
	}
	if len(keys) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES RETURNING *", nil, nil
	}
	var a args
	ph := make([]string, len(keys))
	for i, k := range keys {
		ph[i] = a.add(row[k])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		table, strings.Join(keys, ", "), strings.Join(ph, ", "))
	return sql, a, nil
}

func buildUpdate(table string, filter gateway.Filter, patch model.Row) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(filter) == 0 {
		return "", nil, fmt.Errorf("postgres: update of %s without filter", table)
	}
	keys, err := sortedKeys(table, patch)
	if err != nil {
		return "", nil, err
	}
	var a args
	sets := make([]string, len(keys))
	for i, k := range keys {
		sets[i] = k + " = " + a.add(patch[k])
	}
	w, err := where(table, filter, &a)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + table + " SET " + strings.Join(sets, ", ") + w, a, nil
}

func buildDelete(table string, filter gateway.Filter) (string, []any, error) {
	if err := checkTable(table); err != nil {
		return "", nil, err
	}
	if len(filter) == 0 {
		return "", nil, fmt.Errorf("postgres: delete from %s without filter", table)
	}
	var a args
	w, err := where(table, filter, &a)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + table + w, a, nil
}

// normalize converts driver values to the representation the other gateways
// use: uuids and timestamps as strings.
func normalize(row map[string]any) model.Row {
	out := make(model.Row, len(row))
	for k, v := range row {
		switch x := v.(type) {
		case [16]byte:
			out[k] = uuid.UUID(x).String()
		case time.Time:
			out[k] = x.UTC().Format(time.RFC3339Nano)
		case int32:
			out[k] = int(x)
		case int64:
			out[k] = int(x)
		default:
			out[k] = v
		}
	}
	return out
}
