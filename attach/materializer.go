package attach

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/imap-to-csv/model"
)

// ErrSaveFailed wraps any filesystem fault while writing an attachment.
var ErrSaveFailed = errors.New("attachment save failed")

// unknownBucket collects attachments of messages without a parseable date.
const unknownBucket = "unknown-date"

// filePerm keeps saved attachments readable by the owner only. Mail
// attachments routinely contain sensitive documents.
const filePerm = 0o600

// Materializer writes decoded attachments under root, one directory per
// message date. Names are made unique with a numeric suffix; a name is
// never reused within one run even across goroutines.
type Materializer struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	claimed map[string]struct{}
}

func New(root string, logger *slog.Logger) (*Materializer, error) {
	if root == "" {
		return nil, fmt.Errorf("attachment root is empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create attachment root: %w", err)
	}
	return &Materializer{
		root:    root,
		logger:  logger,
		claimed: make(map[string]struct{}),
	}, nil
}

// Save writes every attachment of rec to disk, fills in SavedPath and
// releases the in-memory content. It reports how many attachments were
// written and how many failed; a failure degrades the record but never
// aborts the message.
func (m *Materializer) Save(rec *model.MessageRecord) (saved, failed int) {
	for _, att := range rec.Attachments {
		path, err := m.saveOne(rec.Date, att)
		if err != nil {
			failed++
			rec.MarkDegraded(fmt.Sprintf("attachment %q not saved", att.Filename))
			if m.logger != nil {
				m.logger.Warn("attachment save failed", "uid", rec.UID, "filename", att.Filename, "err", err)
			}
			continue
		}
		att.SavedPath = path
		att.Content = nil
		saved++
	}
	return saved, failed
}

func (m *Materializer) saveOne(date time.Time, att *model.AttachmentRecord) (string, error) {
	dir := filepath.Join(m.root, bucket(date))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}

	base, ext := splitName(sanitize(att.Filename), att.ContentType)
	for n := 0; ; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		path := filepath.Join(dir, name)
		if !m.claim(path) {
			continue
		}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, os.ErrExist) {
			// Left over from an earlier run. The claim stays so this
			// name is not probed again.
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSaveFailed, err)
		}

		_, werr := f.Write(att.Content)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			os.Remove(path)
			return "", fmt.Errorf("%w: %v", ErrSaveFailed, errors.Join(werr, cerr))
		}
		return path, nil
	}
}

func (m *Materializer) claim(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.claimed[path]; taken {
		return false
	}
	m.claimed[path] = struct{}{}
	return true
}

func bucket(date time.Time) string {
	if date.IsZero() {
		return unknownBucket
	}
	return date.Format("20060102")
}

// sanitize strips anything that could escape the target directory or
// break the filesystem: path separators, parent references, control
// bytes.
func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" {
		return ""
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case strings.ContainsRune(`<>:"|?*`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// splitName separates stem and extension, substituting a stable stem for
// nameless attachments and guessing the extension from the content type.
func splitName(name, contentType string) (base, ext string) {
	if name == "" {
		return "unnamed", extFromContentType(contentType)
	}
	ext = filepath.Ext(name)
	base = strings.TrimSuffix(name, ext)
	if base == "" {
		base = "unnamed"
	}
	return base, ext
}

func extFromContentType(contentType string) string {
	if contentType == "" {
		return ".bin"
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
