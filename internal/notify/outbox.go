package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Outbox is a durable JSON file of pending events. Consumers Drain it; keys
// stay remembered after draining so redeliveries are still dropped.
type Outbox struct {
	path         string
	capacity     int
	pollInterval time.Duration

	mu    sync.Mutex
	items []Event
	seen  map[string]struct{}
}

type outboxState struct {
	Items []Event  `json:"items"`
	Seen  []string `json:"seen"`
}

func NewOutbox(path string, capacity int) (*Outbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("outbox path is required")
	}
	if capacity <= 0 {
		capacity = 1024
	}
	o := &Outbox{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []Event{},
		seen:         map[string]struct{}{},
	}
	if err := o.load(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) Publish(ctx context.Context, ev Event) (bool, error) {
	if err := ev.validate(); err != nil {
		return false, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.seen[ev.IdempotencyKey]; ok {
		return false, nil
	}
	if len(o.items) >= o.capacity {
		return false, fmt.Errorf("outbox full (%d events)", o.capacity)
	}
	o.items = append(o.items, ev)
	o.seen[ev.IdempotencyKey] = struct{}{}
	if err := o.saveLocked(); err != nil {
		o.items = o.items[:len(o.items)-1]
		delete(o.seen, ev.IdempotencyKey)
		return false, err
	}
	return true, nil
}

// Next removes and returns the oldest event, waiting until one is available
// or ctx is done.
func (o *Outbox) Next(ctx context.Context) (Event, bool) {
	for {
		o.mu.Lock()
		if len(o.items) > 0 {
			item := o.items[0]
			o.items = o.items[1:]
			if err := o.saveLocked(); err != nil {
				o.items = append([]Event{item}, o.items...)
				o.mu.Unlock()
				select {
				case <-ctx.Done():
					return Event{}, false
				case <-time.After(o.pollInterval):
					continue
				}
			}
			o.mu.Unlock()
			return item, true
		}
		o.mu.Unlock()
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-time.After(o.pollInterval):
		}
	}
}

// Drain removes and returns every pending event.
func (o *Outbox) Drain() ([]Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.items
	o.items = []Event{}
	if err := o.saveLocked(); err != nil {
		o.items = out
		return nil, err
	}
	return out, nil
}

func (o *Outbox) Depth() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *Outbox) Close() error {
	return nil
}

func (o *Outbox) load() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot outboxState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, key := range snapshot.Seen {
		o.seen[key] = struct{}{}
	}
	if len(snapshot.Items) > o.capacity {
		o.items = append([]Event(nil), snapshot.Items[len(snapshot.Items)-o.capacity:]...)
		return o.saveLocked()
	}
	o.items = append([]Event(nil), snapshot.Items...)
	return nil
}

func (o *Outbox) saveLocked() error {
	snapshot := outboxState{
		Items: append([]Event(nil), o.items...),
		Seen:  make([]string, 0, len(o.seen)),
	}
	for key := range o.seen {
		snapshot.Seen = append(snapshot.Seen, key)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return err
	}
	tmp := o.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, o.path)
}
