package decode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/dhcgn/imap-to-csv/model"
)

// DefaultMaxBodyChars bounds the plain-text body kept per message.
const DefaultMaxBodyChars = 50000

type Options struct {
	// MaxBodyChars truncates the extracted body text. Zero means
	// DefaultMaxBodyChars; negative disables truncation.
	MaxBodyChars int

	// Folder labels messages that carry no label header of their own.
	Folder string
}

// Decoder turns raw message bytes into normalized records. Decoding is
// total: malformed input degrades the record, it never drops it.
type Decoder struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Decoder {
	if opts.MaxBodyChars == 0 {
		opts.MaxBodyChars = DefaultMaxBodyChars
	}
	return &Decoder{opts: opts, logger: logger}
}

// Decode parses one raw message. The returned record is never nil and is
// always safe to serialize, whatever the input looked like.
func (d *Decoder) Decode(raw model.RawMessage) *model.MessageRecord {
	rec := &model.MessageRecord{
		UID:     raw.UID,
		Size:    int64(len(raw.Data)),
		RawHash: raw.Hash,
		Charset: "utf-8",
	}

	if len(raw.Data) == 0 {
		d.rescue(rec, raw.Data, errors.New("empty message"))
		d.finish(rec)
		return rec
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw.Data))
	if err != nil && mr == nil {
		d.rescue(rec, raw.Data, err)
		d.finish(rec)
		return rec
	}
	if err != nil && !message.IsUnknownCharset(err) {
		rec.MarkDegraded(fmt.Sprintf("header parse: %v", err))
	}

	d.decodeHeader(rec, &mr.Header)
	d.decodeParts(rec, mr)
	d.finish(rec)
	return rec
}

func (d *Decoder) decodeHeader(rec *model.MessageRecord, h *mail.Header) {
	if subj, err := h.Subject(); err == nil {
		rec.Subject, _ = toUTF8(subj)
	} else {
		rec.Subject, _ = toUTF8(h.Get("Subject"))
		rec.MarkDegraded("subject not decodable")
	}

	if date, err := h.Date(); err == nil {
		rec.Date = date
	} else if raw := h.Get("Date"); raw != "" {
		rec.Date = parseLooseDate(raw)
		if rec.Date.IsZero() {
			rec.MarkDegraded("date not parseable")
		}
	}

	rec.From = d.firstAddress(rec, h, "From")
	rec.To = d.addresses(rec, h, "To")
	rec.Cc = d.addresses(rec, h, "Cc")
	rec.Bcc = d.addresses(rec, h, "Bcc")

	if id, err := h.MessageID(); err == nil && id != "" {
		rec.MessageID = id
	} else {
		rec.MessageID = uuid.NewString() + "@generated.invalid"
	}

	rec.ThreadID = threadID(rec.MessageID, h)
	rec.Labels = labels(h, d.opts.Folder)
}

func (d *Decoder) firstAddress(rec *model.MessageRecord, h *mail.Header, key string) model.Address {
	list := d.addresses(rec, h, key)
	if len(list) == 0 {
		return model.Address{}
	}
	return list[0]
}

func (d *Decoder) addresses(rec *model.MessageRecord, h *mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil {
		if raw := strings.TrimSpace(h.Get(key)); raw != "" {
			text, _ := toUTF8(raw)
			rec.MarkDegraded(strings.ToLower(key) + " not parseable")
			return []model.Address{{Addr: text}}
		}
		return nil
	}

	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		name, _ := toUTF8(a.Name)
		out = append(out, model.Address{Name: name, Addr: a.Address})
	}
	return out
}

// decodeParts walks the MIME tree depth-first. The first text/plain part
// becomes the body, the first text/html is kept as fallback, and every
// part carrying a filename is an attachment.
func (d *Decoder) decodeParts(rec *model.MessageRecord, mr *mail.Reader) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if message.IsUnknownCharset(err) && part != nil {
				// Body bytes are still there, just undeclared or
				// mislabeled. The fallback chain handles them below.
				rec.MarkDegraded("unknown charset declared")
			} else {
				rec.MarkDegraded(fmt.Sprintf("mime walk: %v", err))
				return
			}
		}
		if part == nil {
			return
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			d.decodeInline(rec, h, part.Body)
		case *mail.AttachmentHeader:
			d.decodeAttachment(rec, h, part.Body)
		}
	}
}

func (d *Decoder) decodeInline(rec *model.MessageRecord, h *mail.InlineHeader, body io.Reader) {
	ctype, params, err := h.ContentType()
	if err != nil {
		ctype = "text/plain"
	}

	if filename := inlineFilename(h, params); filename != "" {
		// Inline parts with a filename are attachments in disguise,
		// typically embedded images.
		d.saveAttachment(rec, filename, h, body)
		return
	}

	switch {
	case strings.EqualFold(ctype, "text/plain"):
		if rec.BodyText == "" {
			text, cs := d.readText(rec, body)
			rec.BodyText = text
			rec.Charset = cs
		}
	case strings.EqualFold(ctype, "text/html"):
		if rec.BodyHTML == "" {
			rec.BodyHTML, _ = d.readText(rec, body)
		}
	default:
		// Non-text leaf without a filename, typically an embedded
		// image. Kept as a nameless attachment rather than dropped.
		d.saveAttachment(rec, "", h, body)
	}
}

func (d *Decoder) readText(rec *model.MessageRecord, body io.Reader) (string, string) {
	b, err := io.ReadAll(body)
	if err != nil {
		rec.MarkDegraded(fmt.Sprintf("body read: %v", err))
	}
	return decodeBest(b)
}

func (d *Decoder) decodeAttachment(rec *model.MessageRecord, h *mail.AttachmentHeader, body io.Reader) {
	filename, err := h.Filename()
	if err != nil {
		filename = ""
	}
	d.saveAttachment(rec, filename, h, body)
}

type partHeader interface {
	ContentType() (string, map[string]string, error)
}

func (d *Decoder) saveAttachment(rec *model.MessageRecord, filename string, h partHeader, body io.Reader) {
	ctype, _, err := h.ContentType()
	if err != nil {
		ctype = "application/octet-stream"
	}

	content, err := io.ReadAll(body)
	if err != nil {
		rec.MarkDegraded(fmt.Sprintf("attachment read: %v", err))
	}

	name, _ := toUTF8(filename)
	rec.Attachments = append(rec.Attachments, &model.AttachmentRecord{
		Filename:    name,
		ContentType: ctype,
		Size:        int64(len(content)),
		Content:     content,
	})
}

// inlineFilename digs a filename out of an inline part, checking the
// disposition first and the content-type name parameter second.
func inlineFilename(h *mail.InlineHeader, ctypeParams map[string]string) string {
	if _, params, err := h.ContentDisposition(); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	return ctypeParams["name"]
}

// rescue extracts what it can from a message the MIME reader rejected
// outright: headers are scanned line by line, everything after the first
// blank line becomes the body.
func (d *Decoder) rescue(rec *model.MessageRecord, data []byte, cause error) {
	rec.MarkDegraded(fmt.Sprintf("message parse: %v", cause))
	rec.MessageID = uuid.NewString() + "@generated.invalid"
	rec.ThreadID = rec.MessageID
	if d.opts.Folder != "" {
		rec.Labels = []string{d.opts.Folder}
	}

	header := data
	var body []byte
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(data, sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(data, sep)
	}
	if idx >= 0 {
		header = data[:idx]
		body = data[idx+len(sep):]
	}

	scanner := bufio.NewScanner(bytes.NewReader(header))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(key) {
		case "subject":
			rec.Subject, _ = toUTF8(value)
		case "from":
			text, _ := toUTF8(value)
			rec.From = model.Address{Addr: text}
		case "date":
			rec.Date = parseLooseDate(value)
		}
	}

	if len(body) > 0 {
		text, cs := decodeBest(body)
		rec.BodyText = text
		rec.Charset = cs
	}
}

// finish applies the body fallback and the size cap.
func (d *Decoder) finish(rec *model.MessageRecord) {
	if rec.BodyText == "" && rec.BodyHTML != "" {
		rec.BodyText = stripHTML(rec.BodyHTML)
	}

	if d.opts.MaxBodyChars > 0 {
		if runes := []rune(rec.BodyText); len(runes) > d.opts.MaxBodyChars {
			rec.BodyText = string(runes[:d.opts.MaxBodyChars])
			rec.MarkDegraded("body truncated")
		}
		if runes := []rune(rec.BodyHTML); len(runes) > d.opts.MaxBodyChars {
			rec.BodyHTML = string(runes[:d.opts.MaxBodyChars])
		}
	}

	if rec.Degraded && d.logger != nil {
		d.logger.Debug("message decoded with degradations",
			"uid", rec.UID, "reasons", strings.Join(rec.DegradedReasons, "; "))
	}
}

// threadID picks the conversation anchor: the oldest referenced message
// id when available, the message's own id otherwise.
func threadID(own string, h *mail.Header) string {
	if refs, err := h.MsgIDList("References"); err == nil && len(refs) > 0 {
		return refs[0]
	}
	if replies, err := h.MsgIDList("In-Reply-To"); err == nil && len(replies) > 0 {
		return replies[0]
	}
	return own
}

func labels(h *mail.Header, folder string) []string {
	if raw := h.Get("X-Gmail-Labels"); raw != "" {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				label, _ := toUTF8(p)
				out = append(out, label)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if folder != "" {
		return []string{folder}
	}
	return nil
}

// looseDateLayouts covers the malformed Date headers seen in the wild
// after the standard parser has given up.
var looseDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05Z07:00",
}

func parseLooseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range looseDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}
