package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// ringCapacity is the point at which the in-memory cache is eligible for
// trimming; trimming only happens once this many entries have accumulated.
const ringCapacity = 100000

// ringMaxAge bounds how long an entry survives in the in-memory cache once
// the cache is over ringCapacity.
const ringMaxAge = 5 * time.Hour

// Event is one entry in the rolling event log. Tag and Fields are
// application-defined; ID and Timestamp are assigned by the Log on publish.
type Event struct {
	ID        int64
	Tag       string
	Timestamp time.Time
	Fields    map[string]any
}

// MarshalJSON renders __id__/__tag__/__timestamp__ alongside the event's
// arbitrary fields, matching the one-JSON-object-per-line wire format.
func (e *Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["__id__"] = e.ID
	m["__tag__"] = e.Tag
	m["__timestamp__"] = float64(e.Timestamp.UnixNano()) / 1e9
	return json.Marshal(m)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	e.Fields = make(map[string]any, len(m))
	for k, v := range m {
		switch k {
		case "__id__":
			if f, ok := v.(float64); ok {
				e.ID = int64(f)
			}
		case "__tag__":
			if s, ok := v.(string); ok {
				e.Tag = s
			}
		case "__timestamp__":
			if f, ok := v.(float64); ok {
				sec := int64(f)
				nsec := int64((f - float64(sec)) * 1e9)
				e.Timestamp = time.Unix(sec, nsec).UTC()
			}
		default:
			e.Fields[k] = v
		}
	}
	return nil
}

// Subscriber is a channel that receives events as they are published.
type Subscriber chan *Event

// Log is a rolling, file-backed event log with an in-memory ring cache and
// a live pub/sub broadcast, used for both the manager's audit trail and the
// `GET /events` polling endpoint.
type Log struct {
	mu          sync.Mutex
	file        *os.File
	nextID      int64
	ring        []*Event
	subscribers map[Subscriber]bool
	subMu       sync.RWMutex
}

// NewLog opens (creating if necessary) a rolling JSON-lines event log at
// path. Pass an empty path to run with no file-backed persistence, keeping
// only the in-memory cache and live subscribers (used in tests).
func NewLog(path string) (*Log, error) {
	l := &Log{
		subscribers: make(map[Subscriber]bool),
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening event log %q: %w", path, err)
		}
		l.file = f
	}
	return l, nil
}

// Close closes the backing file, if any.
func (l *Log) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Publish records a new event under tag with the given fields, assigns it
// the next monotonic id and the current time, appends it to the rolling
// file (if any) and the in-memory cache, and broadcasts it to subscribers.
func (l *Log) Publish(tag string, fields map[string]any) *Event {
	ev := &Event{
		ID:        atomic.AddInt64(&l.nextID, 1),
		Tag:       tag,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	l.mu.Lock()
	if l.file != nil {
		if line, err := json.Marshal(ev); err == nil {
			line = append(line, '\n')
			_, _ = l.file.Write(line)
		}
	}
	l.ring = append(l.ring, ev)
	l.trimLocked()
	l.mu.Unlock()

	l.broadcast(ev)
	return ev
}

// trimLocked drops the oldest cached entries once the cache exceeds
// ringCapacity and those entries are older than ringMaxAge. Callers must
// hold l.mu.
func (l *Log) trimLocked() {
	if len(l.ring) <= ringCapacity {
		return
	}
	cutoff := time.Now().Add(-ringMaxAge)
	i := 0
	for i < len(l.ring) && l.ring[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.ring = l.ring[i:]
	}
}

// Since returns events with id strictly greater than sinceID, serving from
// the in-memory cache when it covers the range, otherwise scanning the
// rolled file from its start.
func (l *Log) Since(sinceID int64) ([]*Event, error) {
	l.mu.Lock()
	if len(l.ring) == 0 || l.ring[0].ID <= sinceID+1 {
		out := make([]*Event, 0, len(l.ring))
		for _, ev := range l.ring {
			if ev.ID > sinceID {
				out = append(out, ev)
			}
		}
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()
	return l.readFileSince(func(ev *Event) bool { return ev.ID > sinceID })
}

// SinceTimestamp returns events timestamped strictly after t, with the same
// cache-then-file fallback as Since. Since and SinceTimestamp are mutually
// exclusive query modes at the HTTP layer (spec section 6).
func (l *Log) SinceTimestamp(t time.Time) ([]*Event, error) {
	l.mu.Lock()
	if len(l.ring) == 0 || !l.ring[0].Timestamp.After(t) {
		out := make([]*Event, 0, len(l.ring))
		for _, ev := range l.ring {
			if ev.Timestamp.After(t) {
				out = append(out, ev)
			}
		}
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()
	return l.readFileSince(func(ev *Event) bool { return ev.Timestamp.After(t) })
}

func (l *Log) readFileSince(match func(*Event) bool) ([]*Event, error) {
	if l.file == nil {
		return nil, nil
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return nil, err
	}
	var out []*Event
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if match(&ev) {
			out = append(out, &ev)
		}
	}
	return out, scanner.Err()
}

// Subscribe returns a channel that receives every event published from this
// point forward. The channel has a bounded buffer; a slow subscriber drops
// events rather than blocking publishers.
func (l *Log) Subscribe() Subscriber {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	sub := make(Subscriber, 50)
	l.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (l *Log) Unsubscribe(sub Subscriber) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if _, ok := l.subscribers[sub]; ok {
		delete(l.subscribers, sub)
		close(sub)
	}
}

func (l *Log) broadcast(ev *Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for sub := range l.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}
