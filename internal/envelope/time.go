package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Time accepts unix seconds, unix milliseconds or a textual timestamp on the
// wire. It encodes as unix seconds, or unix milliseconds when it carries a
// sub-second part, so decoding what it encoded is lossless to the millisecond.
type Time struct {
	time.Time
}

// millisThreshold separates second and millisecond unix values.
const millisThreshold = 1_000_000_000_000

var textLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000Z",
	"2006-01-02 15:04:05",
}

// Unix wraps a unix seconds value.
func Unix(sec int64) Time { return Time{time.Unix(sec, 0)} }

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("0"), nil
	}
	if t.UnixMilli()%1000 != 0 {
		return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
	}
	return []byte(strconv.FormatInt(t.Unix(), 10)), nil
}

func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = fromUnix(n)
			return nil
		}
		for _, layout := range textLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("unrecognised timestamp %q", s)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = fromUnix(int64(f))
	return nil
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	if n >= millisThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
