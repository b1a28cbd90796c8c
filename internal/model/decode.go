package model

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/goccy/go-json"
)

// ErrMalformed marks a payload that failed decoding or schema validation.
var ErrMalformed = errors.New("malformed event payload")

// EventTime accepts ISO-8601 strings, epoch seconds or epoch millis.
type EventTime time.Time

// epochMillisThreshold separates epoch seconds from epoch millis.
const epochMillisThreshold = 1e11

func (t EventTime) Time() time.Time { return time.Time(t) }

func (t EventTime) IsZero() bool { return time.Time(t).IsZero() }

func (t EventTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *EventTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = EventTime{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = EventTime{}
			return nil
		}
		parsed, err := dateparse.ParseIn(s, time.UTC)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*t = EventTime(parsed.UTC())
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse epoch timestamp %s: %w", string(b), err)
	}
	*t = EventTime(fromEpoch(f))
	return nil
}

func fromEpoch(f float64) time.Time {
	if math.Abs(f) >= epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Decode parses one wire payload. Any failure wraps ErrMalformed.
func Decode(payload []byte) (RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return RawEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Timestamp.IsZero() {
		return RawEvent{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	for i, it := range ev.Items {
		if it.Quantity < 0 {
			return RawEvent{}, fmt.Errorf("%w: item %d has negative quantity", ErrMalformed, i)
		}
	}
	return ev, nil
}
