package decode

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dhcgn/imap-to-csv/model"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestDecode_PlainMessage(t *testing.T) {
	raw := crlf(`From: Alice <alice@example.com>
To: Bob <bob@example.com>, Carol <carol@example.com>
Cc: dave@example.com
Subject: quarterly numbers
Date: Mon, 02 Jan 2006 15:04:05 -0700
Message-ID: <one@example.com>
Content-Type: text/plain; charset=utf-8

see attached
`)

	rec := New(Options{Folder: "INBOX"}, nil).Decode(model.RawMessage{UID: 7, Data: raw})

	if rec.Degraded {
		t.Fatalf("Decode() degraded: %v", rec.DegradedReasons)
	}
	if rec.Subject != "quarterly numbers" {
		t.Errorf("Subject = %q", rec.Subject)
	}
	if rec.From.Addr != "alice@example.com" || rec.From.Name != "Alice" {
		t.Errorf("From = %+v", rec.From)
	}
	if len(rec.To) != 2 || rec.To[1].Addr != "carol@example.com" {
		t.Errorf("To = %+v", rec.To)
	}
	if rec.MessageID != "one@example.com" {
		t.Errorf("MessageID = %q", rec.MessageID)
	}
	if rec.ThreadID != "one@example.com" {
		t.Errorf("ThreadID = %q, want own message id", rec.ThreadID)
	}
	if got := strings.TrimSpace(rec.BodyText); got != "see attached" {
		t.Errorf("BodyText = %q", got)
	}
	if rec.Date.IsZero() {
		t.Error("Date is zero")
	}
	if len(rec.Labels) != 1 || rec.Labels[0] != "INBOX" {
		t.Errorf("Labels = %v", rec.Labels)
	}
	if rec.HasAttachment() {
		t.Error("HasAttachment() = true for plain message")
	}
}

func TestDecode_FirstTextPartWins(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: duplicate parts
Message-ID: <dup@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="BOUND"

--BOUND
Content-Type: text/plain; charset=utf-8

first body
--BOUND
Content-Type: text/plain; charset=utf-8

second body
--BOUND--
`)

	rec := New(Options{}, nil).Decode(model.RawMessage{Data: raw})

	if got := strings.TrimSpace(rec.BodyText); got != "first body" {
		t.Errorf("BodyText = %q, want first part", got)
	}
}

func TestDecode_AttachmentCollected(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: with attachment
Message-ID: <att@example.com>
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="BOUND"

--BOUND
Content-Type: text/plain; charset=utf-8

body here
--BOUND
Content-Type: application/pdf
Content-Disposition: attachment; filename="report.pdf"
Content-Transfer-Encoding: base64

JVBERi0=
--BOUND--
`)

	rec := New(Options{}, nil).Decode(model.RawMessage{Data: raw})

	if !rec.HasAttachment() {
		t.Fatal("HasAttachment() = false")
	}
	if len(rec.Attachments) != 1 {
		t.Fatalf("Attachments = %d, want 1", len(rec.Attachments))
	}
	att := rec.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q", att.ContentType)
	}
	if string(att.Content) != "%PDF-" {
		t.Errorf("Content = %q", att.Content)
	}
	if att.Size != int64(len(att.Content)) {
		t.Errorf("Size = %d, want %d", att.Size, len(att.Content))
	}
}

func TestDecode_EncodedSubject(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: =?gb2312?B?xOO6ww==?=
Message-ID: <cn@example.com>
Content-Type: text/plain; charset=utf-8

hi
`)

	rec := New(Options{}, nil).Decode(model.RawMessage{Data: raw})

	if rec.Subject != "你好" {
		t.Errorf("Subject = %q, want %q", rec.Subject, "你好")
	}
}

func TestDecode_HTMLOnlyFallsBackToStrippedText(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: html only
Message-ID: <html@example.com>
Content-Type: text/html; charset=utf-8

<html><body><p>Hello &amp; welcome</p><p>second line</p></body></html>
`)

	rec := New(Options{}, nil).Decode(model.RawMessage{Data: raw})

	if rec.BodyHTML == "" {
		t.Fatal("BodyHTML is empty")
	}
	if !strings.Contains(rec.BodyText, "Hello & welcome") {
		t.Errorf("BodyText = %q, want stripped html", rec.BodyText)
	}
	if strings.Contains(rec.BodyText, "<p>") {
		t.Errorf("BodyText = %q still contains tags", rec.BodyText)
	}
}

func TestDecode_ThreadIDFromReferences(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: re: thread
Message-ID: <three@example.com>
In-Reply-To: <two@example.com>
References: <root@example.com> <two@example.com>
Content-Type: text/plain; charset=utf-8

reply
`)

	rec := New(Options{}, nil).Decode(model.RawMessage{Data: raw})

	if rec.ThreadID != "root@example.com" {
		t.Errorf("ThreadID = %q, want oldest reference", rec.ThreadID)
	}
}

func TestDecode_BodyTruncation(t *testing.T) {
	body := strings.Repeat("a", 60000)
	raw := crlf(`From: a@example.com
Subject: long
Message-ID: <long@example.com>
Content-Type: text/plain; charset=utf-8

` + body)

	rec := New(Options{}, nil).Decode(model.RawMessage{Data: raw})

	if got := len([]rune(rec.BodyText)); got != DefaultMaxBodyChars {
		t.Errorf("BodyText length = %d, want %d", got, DefaultMaxBodyChars)
	}
	if !rec.Degraded {
		t.Error("truncated record not marked degraded")
	}
}

func TestDecode_GarbageNeverFails(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x00},
		{0xff, 0xfe, 0xfd, 0x80, 0x81},
		[]byte("not a mail message at all"),
		[]byte(strings.Repeat("\x00\xff", 512)),
	}

	d := New(Options{}, nil)
	for i, data := range inputs {
		rec := d.Decode(model.RawMessage{UID: 1, Data: data})
		if rec == nil {
			t.Fatalf("input %d: Decode() returned nil", i)
		}
		if rec.MessageID == "" {
			t.Errorf("input %d: no message id generated", i)
		}
		if !rec.Degraded {
			t.Errorf("input %d: garbage not marked degraded", i)
		}
	}
}

func TestDecode_MissingMessageIDGetsGenerated(t *testing.T) {
	raw := crlf(`From: a@example.com
Subject: no id
Content-Type: text/plain; charset=utf-8

hi
`)

	d := New(Options{}, nil)
	a := d.Decode(model.RawMessage{Data: raw})
	b := d.Decode(model.RawMessage{Data: raw})

	if a.MessageID == "" || b.MessageID == "" {
		t.Fatal("generated message id is empty")
	}
	if a.MessageID == b.MessageID {
		t.Error("generated message ids collide")
	}
	if !strings.HasSuffix(a.MessageID, "@generated.invalid") {
		t.Errorf("MessageID = %q, want generated marker", a.MessageID)
	}
}

func TestDecodeBest_FallbackChain(t *testing.T) {
	tests := []struct {
		name        string
		input       []byte
		wantText    string
		wantCharset string
	}{
		{"valid utf-8", []byte("héllo"), "héllo", "utf-8"},
		{"gbk bytes", []byte{0xc4, 0xe3, 0xba, 0xc3}, "你好", "gbk"},
		{"empty", nil, "", "utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, cs := decodeBest(tt.input)
			if text != tt.wantText || cs != tt.wantCharset {
				t.Errorf("decodeBest() = (%q, %q), want (%q, %q)", text, cs, tt.wantText, tt.wantCharset)
			}
		})
	}
}

func TestDecodeBest_NeverReturnsInvalidUTF8(t *testing.T) {
	inputs := [][]byte{
		{0x81, 0x40, 0xfe, 0xfe, 0xff},
		{0xff},
		{0x80, 0x80, 0x80},
	}
	for i, b := range inputs {
		text, _ := decodeBest(b)
		if !utf8.ValidString(text) {
			t.Errorf("input %d: decodeBest() produced invalid utf-8: %q", i, text)
		}
	}
}
