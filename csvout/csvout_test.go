package csvout

import (
	"bytes"
	"encoding/csv"
	"reflect"
	"testing"
	"time"

	"github.com/dhcgn/imap-to-csv/model"
)

func sampleRecord() *model.MessageRecord {
	return &model.MessageRecord{
		MessageID: "one@example.com",
		ThreadID:  "root@example.com",
		Subject:   "quarterly numbers",
		Date:      time.Date(2024, 3, 15, 10, 30, 0, 0, time.FixedZone("", 2*3600)),
		From:      model.Address{Name: "Alice", Addr: "alice@example.com"},
		To: []model.Address{
			{Name: "Bob", Addr: "bob@example.com"},
			{Addr: "carol@example.com"},
		},
		BodyText: "see attached",
		Labels:   []string{"INBOX", "finance"},
		Attachments: []*model.AttachmentRecord{
			{Filename: "report.pdf", SavedPath: "/out/20240315/report.pdf"},
			{Filename: "data.xlsx", SavedPath: "/out/20240315/data.xlsx"},
		},
	}
}

func TestRow_ColumnContract(t *testing.T) {
	row := Row(sampleRecord())

	if len(row) != len(Columns) {
		t.Fatalf("Row() has %d cells, want %d", len(row), len(Columns))
	}

	want := []string{
		"one@example.com",
		"root@example.com",
		"quarterly numbers",
		"2024-03-15T10:30:00+02:00",
		"Alice <alice@example.com>",
		"Bob <bob@example.com>;carol@example.com",
		"",
		"see attached",
		"True",
		"report.pdf;data.xlsx",
		"/out/20240315/report.pdf;/out/20240315/data.xlsx",
		"2",
		"INBOX;finance",
	}
	if !reflect.DeepEqual(row, want) {
		for i := range want {
			if row[i] != want[i] {
				t.Errorf("column %s = %q, want %q", Columns[i], row[i], want[i])
			}
		}
	}
}

func TestRow_Idempotent(t *testing.T) {
	rec := sampleRecord()
	a := Row(rec)
	b := Row(rec)
	if !reflect.DeepEqual(a, b) {
		t.Error("Row() not idempotent for identical input")
	}
}

func TestRow_EmptyRecord(t *testing.T) {
	row := Row(&model.MessageRecord{MessageID: "x@y"})

	if row[3] != "" {
		t.Errorf("zero date rendered as %q, want empty", row[3])
	}
	if row[8] != "False" {
		t.Errorf("has_attachment = %q, want False", row[8])
	}
	if row[11] != "0" {
		t.Errorf("attachment_count = %q, want 0", row[11])
	}
}

func TestWriter_BOMAndHeader(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	out := buf.Bytes()
	if !bytes.HasPrefix(out, []byte{0xef, 0xbb, 0xbf}) {
		t.Error("output missing utf-8 bom")
	}

	r := csv.NewReader(bytes.NewReader(out[3:]))
	header, err := r.Read()
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if !reflect.DeepEqual(header, Columns) {
		t.Errorf("header = %v, want %v", header, Columns)
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	rec := sampleRecord()
	rec.BodyText = "line one\nline two, with comma and \"quotes\""
	if err := w.Write(rec); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if w.Count() != 1 {
		t.Errorf("Count() = %d, want 1", w.Count())
	}

	r := csv.NewReader(bytes.NewReader(buf.Bytes()[3:]))
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	if rows[1][7] != rec.BodyText {
		t.Errorf("body round-trip = %q, want %q", rows[1][7], rec.BodyText)
	}
}
