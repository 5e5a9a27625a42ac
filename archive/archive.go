package archive

import (
	"bytes"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"os"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-to-csv/model"
)

// Writer appends every fetched raw message to a local mbox file, giving
// the export run a verbatim offline copy next to the CSV.
type Writer struct {
	file   *os.File
	mbox   *mboxlib.Writer
	logger *slog.Logger

	mu    sync.Mutex
	count int
}

func NewWriter(path string, logger *slog.Logger) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open mbox archive: %w", err)
	}

	return &Writer{
		file:   file,
		mbox:   mboxlib.NewWriter(file),
		logger: logger,
	}, nil
}

// Append writes one raw message. The envelope sender line uses the
// archive's own marker since the true envelope is not available over
// IMAP; a zero date is filled from the message's Date header, falling
// back to the current time.
func (w *Writer) Append(raw model.RawMessage, date time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if date.IsZero() {
		date = headerDate(raw.Data)
	}
	if date.IsZero() {
		date = time.Now()
	}

	mw, err := w.mbox.CreateMessage("MAILER-DAEMON", date)
	if err != nil {
		return fmt.Errorf("create archive message: %w", err)
	}
	if _, err := mw.Write(raw.Data); err != nil {
		return fmt.Errorf("write archive message: %w", err)
	}

	w.count++
	return nil
}

// headerDate reads the Date header out of the raw bytes for the
// envelope line. Unparseable messages yield a zero time.
func headerDate(data []byte) time.Time {
	msg, err := netmail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return time.Time{}
	}
	raw := msg.Header.Get("Date")
	if raw == "" {
		return time.Time{}
	}
	t, err := netmail.ParseDate(raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Count reports messages archived so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if err := w.mbox.Close(); err != nil {
		firstErr = fmt.Errorf("close mbox writer: %w", err)
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync mbox archive: %w", err)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close mbox archive: %w", err)
	}

	if w.logger != nil && firstErr == nil {
		w.logger.Debug("mbox archive closed", "messages", w.count)
	}
	return firstErr
}
