package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/imap-to-csv/archive"
	"github.com/dhcgn/imap-to-csv/config"
	"github.com/dhcgn/imap-to-csv/filter"
	"github.com/dhcgn/imap-to-csv/model"
	"github.com/dhcgn/imap-to-csv/state"
	"github.com/dhcgn/imap-to-csv/stats"
)

type StageFunc func(context.Context) error

// Runner wires the export pipeline: a producer feeds raw messages in,
// the built-in bridge deduplicates, filters and archives them, a decode
// stage turns them into records, and a sink stage serializes the
// records. The first stage error cancels everything.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	raws    chan model.RawMessage
	decodes chan model.RawMessage
	records chan *model.MessageRecord
	events  chan stats.Event

	tracker *state.FileTracker
	filter  *filter.Filter
	archive *archive.Writer

	subsMu     sync.Mutex
	subs       []chan stats.Event
	subsClosed bool

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeRawsOnce    sync.Once
	closeDecodesOnce sync.Once
	closeRecordsOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(parent context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	ctx, cancel := context.WithCancel(parent)

	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun && !cfg.NoState)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	flt, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("filter: %w", err)
	}

	var arch *archive.Writer
	if cfg.MboxArchive != "" && !cfg.DryRun {
		arch, err = archive.NewWriter(cfg.MboxArchive, logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("mbox archive: %w", err)
		}
	}

	r := &Runner{
		cfg:     cfg,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		raws:    make(chan model.RawMessage, 32),
		decodes: make(chan model.RawMessage, 32),
		records: make(chan *model.MessageRecord, 32),
		events:  make(chan stats.Event, 128),
		tracker: tracker,
		filter:  flt,
		archive: arch,
	}

	go r.broadcast()
	r.AddStage("bridge", r.bridge)
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// RawWriter is where the fetch producer sends incoming messages.
func (r *Runner) RawWriter() chan<- model.RawMessage {
	return r.raws
}

func (r *Runner) CloseRaws() {
	r.closeRawsOnce.Do(func() {
		close(r.raws)
	})
}

// Decodes feeds the decode stage.
func (r *Runner) Decodes() <-chan model.RawMessage {
	return r.decodes
}

// RecordWriter is where the decode stage sends finished records.
func (r *Runner) RecordWriter() chan<- *model.MessageRecord {
	return r.records
}

func (r *Runner) CloseRecords() {
	r.closeRecordsOnce.Do(func() {
		close(r.records)
	})
}

// Records feeds the sink stage.
func (r *Runner) Records() <-chan *model.MessageRecord {
	return r.records
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers an event consumer. Every subscriber gets its
// own channel carrying the complete event stream, so the summary counter
// and the progress bar never steal events from each other.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subsMu.Lock()
	if r.subsClosed {
		close(ch)
	} else {
		r.subs = append(r.subs, ch)
	}
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// broadcast fans the event stream out to every subscriber and closes the
// subscriber channels once the stages are done emitting.
func (r *Runner) broadcast() {
	for evt := range r.events {
		r.subsMu.Lock()
		subs := append([]chan stats.Event(nil), r.subs...)
		r.subsMu.Unlock()
		for _, ch := range subs {
			select {
			case <-r.ctx.Done():
			case ch <- evt:
			}
		}
	}

	r.subsMu.Lock()
	r.subsClosed = true
	for _, ch := range r.subs {
		close(ch)
	}
	r.subs = nil
	r.subsMu.Unlock()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Start blocks until every stage has finished, then shuts down the event
// subscribers and the owned resources.
func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(fmt.Errorf("close state tracker: %w", err))
	}
	if r.archive != nil {
		if err := r.archive.Close(); err != nil {
			r.fail(fmt.Errorf("close mbox archive: %w", err))
		}
	}

	err := r.err
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

// bridge sits between fetch and decode: it drops messages already
// exported by earlier runs, applies the client-side filters, and appends
// survivors to the mbox archive.
func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeDecodes()

	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.raws:
			if !ok {
				return nil
			}

			r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched})

			if _, dup := seen[raw.Hash]; dup || r.tracker.AlreadyExported(raw.Hash) {
				r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeDuplicate})
				continue
			}
			seen[raw.Hash] = struct{}{}

			if !r.filter.Allows(raw.Data) {
				r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFiltered})
				continue
			}

			if r.archive != nil {
				if err := r.archive.Append(raw, time.Time{}); err != nil {
					r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
					r.fail(fmt.Errorf("mbox archive: %w", err))
					continue
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.decodes <- raw:
			}
		}
	}
}

func (r *Runner) closeDecodes() {
	r.closeDecodesOnce.Do(func() {
		close(r.decodes)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

// Err reports the first stage error, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}
