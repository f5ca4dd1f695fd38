package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// scopeKeys are the attributes that split one event into per-session
// counters instead of a single global one.
var scopeKeys = []string{"session", "pane"}

type summaryKey struct {
	component string
	event     string
	scope     string
}

type summary struct {
	count     int64
	firstSeen time.Time
	lastSeen  time.Time
	last      []slog.Attr
}

// Aggregator counts noisy events (idle spin ticks, failed captures) and logs
// one event_summary line per component, event and scope each interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	sums map[summaryKey]*summary

	stop    chan struct{}
	stopped sync.WaitGroup
	once    sync.Once
}

// NewAggregator returns an aggregator flushing every intervalSecs seconds.
// A nil logger drops everything recorded.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		sums:     make(map[summaryKey]*summary),
		stop:     make(chan struct{}),
	}
}

// Start runs the periodic flush in the background.
func (a *Aggregator) Start() {
	a.stopped.Add(1)
	go func() {
		defer a.stopped.Done()
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case <-ticker.C:
				a.Flush()
			}
		}
	}()
}

// Stop ends the flush loop and writes whatever is still pending. Safe to
// call more than once.
func (a *Aggregator) Stop() {
	a.once.Do(func() {
		close(a.stop)
		a.stopped.Wait()
		a.Flush()
	})
}

// Record counts one occurrence of event. The attributes of the latest call
// are attached to the summary.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	key := summaryKey{component: component, event: event, scope: scopeOf(fields)}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sums[key]
	if !ok {
		s = &summary{firstSeen: now}
		a.sums[key] = s
	}
	s.count++
	s.lastSeen = now
	if len(fields) > 0 {
		s.last = fields
	}
}

// Flush logs and resets every pending summary, returning how many lines it
// wrote. Summaries come out ordered by component, event and scope.
func (a *Aggregator) Flush() int {
	a.mu.Lock()
	sums := a.sums
	a.sums = make(map[summaryKey]*summary)
	a.mu.Unlock()

	if a.logger == nil || len(sums) == 0 {
		return 0
	}

	keys := make([]summaryKey, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		if keys[i].event != keys[j].event {
			return keys[i].event < keys[j].event
		}
		return keys[i].scope < keys[j].scope
	})

	for _, k := range keys {
		s := sums[k]
		attrs := make([]any, 0, 6+len(s.last))
		attrs = append(attrs,
			slog.String("component", k.component),
			slog.String("event", k.event),
			slog.Int64("count", s.count),
			slog.Time("first_seen", s.firstSeen),
			slog.Time("last_seen", s.lastSeen),
			slog.Int("window_seconds", int(a.interval.Seconds())),
		)
		for _, f := range s.last {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
	return len(keys)
}

func scopeOf(fields []slog.Attr) string {
	for _, name := range scopeKeys {
		for _, f := range fields {
			if f.Key == name {
				return name + "=" + f.Value.String()
			}
		}
	}
	return ""
}
