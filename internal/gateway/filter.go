package gateway

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/zrchat/zrchat-client/internal/model"
)

// Op is a filter operator.
type Op string

const (
	OpEq Op = "eq"
	OpIn Op = "in"
)

// Condition is a single column predicate.
type Condition struct {
	Column string
	Op     Op
	Values []any
}

// Filter is a conjunction of conditions. The zero value matches every row.
type Filter []Condition

// Eq matches rows whose column equals v.
func Eq(column string, v any) Condition {
	return Condition{Column: column, Op: OpEq, Values: []any{v}}
}

// In matches rows whose column equals any of vs.
func In[T any](column string, vs []T) Condition {
	values := make([]any, len(vs))
	for i, v := range vs {
		values[i] = v
	}
	return Condition{Column: column, Op: OpIn, Values: values}
}

// Where builds a filter from conditions.
func Where(conds ...Condition) Filter {
	return Filter(conds)
}

// Match reports whether row satisfies every condition.
func (f Filter) Match(row model.Row) bool {
	for _, c := range f {
		if !c.match(row) {
			return false
		}
	}
	return true
}

// Empty reports whether any condition can never match.
func (f Filter) Empty() bool {
	for _, c := range f {
		if c.Op == OpIn && len(c.Values) == 0 {
			return true
		}
	}
	return false
}

func (c Condition) match(row model.Row) bool {
	v, ok := row[c.Column]
	if !ok {
		v = nil
	}
	for _, want := range c.Values {
		if sameValue(v, want) {
			return true
		}
	}
	return false
}

// Format renders a value the way it appears in filters and query strings.
func Format(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case model.Flag:
		return strconv.FormatBool(bool(x))
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

func sameValue(a, b any) bool {
	return Format(a) == Format(b)
}

// Order sorts query results by one column. The zero value leaves rows unsorted.
type Order struct {
	Column    string
	Ascending bool
}

// Asc orders by column ascending.
func Asc(column string) Order { return Order{Column: column, Ascending: true} }

// Desc orders by column descending.
func Desc(column string) Order { return Order{Column: column} }

// Sort orders rows in place.
func (o Order) Sort(rows []model.Row) {
	if o.Column == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		c := compareValues(rows[i][o.Column], rows[j][o.Column])
		if o.Ascending {
			return c < 0
		}
		return c > 0
	})
}

func compareValues(a, b any) int {
	ta, okA := asTime(a)
	tb, okB := asTime(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	fa, okA := asFloat(a)
	fb, okB := asFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := Format(a), Format(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

func asTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		return t, err == nil
	}
	return time.Time{}, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
