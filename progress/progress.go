package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/imap-to-csv/stats"
)

// Bar tracks export progress on the terminal. It stays silent unless the
// log level is "info", so debug runs keep a clean machine-readable log.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar over the number of messages the search
// matched.
func New(total int, alreadyExported int, logLevel string) *Bar {
	enabled := logLevel == "info"

	bar := &Bar{
		total:   total,
		enabled: enabled,
	}

	if enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Exporting messages").
			Start()

		bar.pb = pb

		pterm.Info.Printf("Messages matching search: %d\n", total)
		pterm.Info.Printf("Already exported in earlier runs: %d\n", alreadyExported)
		pterm.Println()
	}

	return bar
}

// Update advances the bar for each fetched message and surfaces errors
// above it.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFetched:
		b.pb.Increment()
	case stats.EventTypeWritten:
		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Exported: " + displayID)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}

	b.pb.Stop()
	pterm.Success.Println("Export complete!")
}

// Subscriber adapts the bar to the stats event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// Reporter couples the progress bar with a stats collector and prints a
// human-readable summary when the run ends.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	if pr.logger != nil {
		pterm.Println()
		pterm.DefaultSection.Println("Export Summary")
		pterm.Info.Printf("Duration: %v\n", duration)
		pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
		pterm.Info.Printf("Duplicates (skipped): %d\n", summary.Duplicates)
		pterm.Info.Printf("Filtered out: %d\n", summary.Filtered)
		pterm.Info.Printf("Decoded: %d\n", summary.Decoded)
		pterm.Info.Printf("Degraded: %d\n", summary.Degraded)
		pterm.Info.Printf("Rows written: %d\n", summary.Written)
		pterm.Info.Printf("Attachments saved: %d\n", summary.AttachmentsSaved)
		pterm.Info.Printf("Attachments failed: %d\n", summary.AttachmentsFailed)
		pterm.Info.Printf("Errors: %d\n", summary.Errors)
		if summary.LastError != nil {
			pterm.Error.Printf("Last error: %v\n", summary.LastError)
		}
	}

	return nil
}
