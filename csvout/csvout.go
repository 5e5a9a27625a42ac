package csvout

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dhcgn/imap-to-csv/model"
)

// Columns is the fixed output schema. Order and spelling are part of the
// file contract; downstream imports key on these names.
var Columns = []string{
	"message_id",
	"thread_id",
	"subject",
	"date",
	"from",
	"to",
	"cc",
	"body_text",
	"has_attachment",
	"attachment_names",
	"attachment_paths",
	"attachment_count",
	"labels",
}

// listSep joins multi-valued cells. Commas stay free for the CSV layer.
const listSep = ";"

// utf8BOM lets spreadsheet applications detect the encoding; without it
// non-ASCII subjects render as mojibake in some of them.
var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Row serializes one record into the column order of Columns. It is a
// pure function of the record: serializing the same record twice yields
// identical cells.
func Row(rec *model.MessageRecord) []string {
	names := make([]string, 0, len(rec.Attachments))
	paths := make([]string, 0, len(rec.Attachments))
	for _, att := range rec.Attachments {
		names = append(names, att.Filename)
		paths = append(paths, att.SavedPath)
	}

	return []string{
		rec.MessageID,
		rec.ThreadID,
		rec.Subject,
		formatDate(rec.Date),
		rec.From.String(),
		joinAddresses(rec.To),
		joinAddresses(rec.Cc),
		rec.BodyText,
		formatBool(rec.HasAttachment()),
		strings.Join(names, listSep),
		strings.Join(paths, listSep),
		strconv.Itoa(len(rec.Attachments)),
		strings.Join(rec.Labels, listSep),
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}

// formatBool renders Python-style booleans, which is what the consumers
// of these exports already parse.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func joinAddresses(list []model.Address) string {
	parts := make([]string, 0, len(list))
	for _, a := range list {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, listSep)
}

// Writer emits the export file: UTF-8 BOM, header row, then one row per
// record. Not safe for concurrent use.
type Writer struct {
	csv   *csv.Writer
	count int
}

// NewWriter writes the BOM and header immediately so even an empty export
// is a well-formed file.
func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := w.Write(utf8BOM); err != nil {
		return nil, fmt.Errorf("write bom: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return &Writer{csv: cw}, nil
}

func (w *Writer) Write(rec *model.MessageRecord) error {
	if err := w.csv.Write(Row(rec)); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.count++
	return nil
}

// Count reports rows written, excluding the header.
func (w *Writer) Count() int {
	return w.count
}

func (w *Writer) Flush() error {
	w.csv.Flush()
	return w.csv.Error()
}
