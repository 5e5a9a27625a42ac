package archive

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/imap-to-csv/model"
)

func TestWriter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")

	w, err := NewWriter(path, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	date := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	messages := []string{
		"Subject: first\r\n\r\nbody one\r\n",
		"Subject: second\r\n\r\nbody two\r\n",
	}
	for i, m := range messages {
		if err := w.Append(model.RawMessage{UID: imapv2.UID(i + 1), Data: []byte(m)}, date); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if w.Count() != 2 {
		t.Errorf("Count() = %d, want 2", w.Count())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r := mboxlib.NewReader(f)
	var got []string
	for {
		mr, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextMessage() error = %v", err)
		}
		data, err := io.ReadAll(mr)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(data))
	}

	if len(got) != 2 {
		t.Fatalf("archive holds %d messages, want 2", len(got))
	}
	if !strings.Contains(got[0], "Subject: first") || !strings.Contains(got[1], "Subject: second") {
		t.Errorf("archive content = %q", got)
	}
}

func TestWriter_EnvelopeDateFromHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")

	w, err := NewWriter(path, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}

	msg := "Date: Fri, 15 Mar 2024 10:00:00 +0000\r\nSubject: dated\r\n\r\nbody\r\n"
	if err := w.Append(model.RawMessage{UID: 1, Data: []byte(msg)}, time.Time{}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	fromLine, _, _ := strings.Cut(string(raw), "\n")
	if !strings.HasPrefix(fromLine, "From MAILER-DAEMON ") {
		t.Fatalf("envelope line = %q", fromLine)
	}
	if !strings.Contains(fromLine, "Mar 15") || !strings.Contains(fromLine, "2024") {
		t.Errorf("envelope line = %q, want the header date, not the current time", fromLine)
	}
}

func TestHeaderDate(t *testing.T) {
	tests := []struct {
		name string
		data string
		want time.Time
	}{
		{
			"rfc date",
			"Date: Fri, 15 Mar 2024 10:00:00 +0000\r\n\r\nbody",
			time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
		},
		{"no date header", "Subject: x\r\n\r\nbody", time.Time{}},
		{"garbage date", "Date: not a date\r\n\r\nbody", time.Time{}},
		{"no headers at all", "just bytes", time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := headerDate([]byte(tt.data))
			if !got.Equal(tt.want) {
				t.Errorf("headerDate() = %v, want %v", got, tt.want)
			}
		})
	}
}
