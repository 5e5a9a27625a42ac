package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch  Stage = "fetch"
	StageDecode Stage = "decode"
	StageExport Stage = "export"
)

type EventType string

const (
	EventTypeFetched          EventType = "fetched"
	EventTypeDuplicate        EventType = "duplicate"
	EventTypeFiltered         EventType = "filtered"
	EventTypeDecoded          EventType = "decoded"
	EventTypeDegraded         EventType = "degraded"
	EventTypeWritten          EventType = "written"
	EventTypeAttachmentSaved  EventType = "attachment_saved"
	EventTypeAttachmentFailed EventType = "attachment_failed"
	EventTypeError            EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
}

type Summary struct {
	Fetched           int
	Duplicates        int
	Filtered          int
	Decoded           int
	Degraded          int
	Written           int
	AttachmentsSaved  int
	AttachmentsFailed int
	Errors            int
	LastError         error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"decoded", s.Decoded,
		"degraded", s.Degraded,
		"written", s.Written,
		"attachmentsSaved", s.AttachmentsSaved,
		"attachmentsFailed", s.AttachmentsFailed,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeDecoded:
		c.summary.Decoded++
	case EventTypeDegraded:
		c.summary.Degraded++
	case EventTypeWritten:
		c.summary.Written++
	case EventTypeAttachmentSaved:
		c.summary.AttachmentsSaved++
	case EventTypeAttachmentFailed:
		c.summary.AttachmentsFailed++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
