package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Drivers disagree on the Go types they return: lib/pq and pgx return bool
// and time.Time, go-sqlite3 returns them only for columns declared BOOLEAN,
// DATE or TIMESTAMP and falls back to int64 and string otherwise. These
// helpers normalize a scanned value.

// AsString renders v as text. NULL becomes "".
func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}

// AsBool interprets v as a boolean. NULL and unrecognized values are false.
func AsBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	case []byte:
		b, _ := strconv.ParseBool(strings.TrimSpace(string(x)))
		return b
	default:
		return false
	}
}

// AsInt64 interprets v as an integer.
func AsInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), x == float64(int64(x))
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// AsTime interprets v as a timestamp. ok is false for NULL and for text
// that matches no known layout.
func AsTime(v any) (t time.Time, ok bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t, true
			}
		}
	case []byte:
		return AsTime(string(x))
	}
	return time.Time{}, false
}

// AsDate renders a DATE column as YYYY-MM-DD.
func AsDate(v any) string {
	if t, ok := AsTime(v); ok {
		return t.Format(time.DateOnly)
	}
	return AsString(v)
}
