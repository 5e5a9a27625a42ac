package model

import (
	"time"

	"github.com/emersion/go-imap/v2"
)

// RawMessage is the unparsed wire payload of one message, addressed by its
// server-stable UID. It is discarded after decoding.
type RawMessage struct {
	UID  imap.UID
	Hash string
	Data []byte
}

// Address pairs a display name with a mail address.
type Address struct {
	Name string
	Addr string
}

// String renders the address as "Name <addr>" or just "addr".
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Addr + ">"
	}
	return a.Addr
}

// AttachmentRecord is one extracted attachment. Content holds the decoded
// bytes until the attachment is written to disk; the materializer releases
// it afterwards to bound peak memory during batch processing.
type AttachmentRecord struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
	SavedPath   string
}

// MessageRecord is the normalized form of one decoded message. It is
// constructed once by the decoder; only the attachment saved paths are
// filled in later by the materializer.
type MessageRecord struct {
	UID       imap.UID
	MessageID string
	ThreadID  string
	Subject   string
	Date      time.Time
	From      Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	BodyText  string
	BodyHTML  string
	Charset   string
	Labels    []string
	Size      int64
	RawHash   string

	Attachments []*AttachmentRecord

	// Degraded marks a record where one or more fields could not be fully
	// interpreted. The record itself is still valid.
	Degraded        bool
	DegradedReasons []string
}

// HasAttachment reports whether the message carries attachments. It is
// always recomputed from the list so the flag cannot drift.
func (m *MessageRecord) HasAttachment() bool {
	return len(m.Attachments) > 0
}

// MarkDegraded records a non-fatal decode fault on the message.
func (m *MessageRecord) MarkDegraded(reason string) {
	m.Degraded = true
	m.DegradedReasons = append(m.DegradedReasons, reason)
}
