package imap

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-to-csv/model"
)

var (
	ErrConnection     = errors.New("imap connection failed")
	ErrAuthentication = errors.New("imap authentication failed")
	ErrFolderNotFound = errors.New("imap folder not found")
	ErrProtocolState  = errors.New("operation not valid in current session state")
	ErrRetryExhausted = errors.New("imap retry exhausted")
)

// State tracks the session through its forward-only lifecycle. Closed is
// reachable from every state.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateFolderSelected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateFolderSelected:
		return "folder-selected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	ReadOnly           bool
	Timeout            time.Duration
}

// Session owns one authenticated connection to one folder of one account.
// The wire protocol is sequential: one outstanding round-trip at a time.
// Run independent sessions for parallelism, never share one across
// goroutines.
type Session struct {
	opts   Options
	logger *slog.Logger

	client *imapclient.Client
	state  State
	folder string

	// reconnect is redial, split out so the retry policy can be tested
	// without a live server.
	reconnect func(ctx context.Context) error
}

func NewSession(opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	s := &Session{opts: opts, logger: logger, state: StateDisconnected}
	s.reconnect = s.redial
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

func (s *Session) require(op string, states ...State) error {
	for _, st := range states {
		if s.state == st {
			return nil
		}
	}
	return fmt.Errorf("%w: %s called while %s", ErrProtocolState, op, s.state)
}

// Connect establishes the encrypted transport. Idempotent when the session
// is already connected.
func (s *Session) Connect(ctx context.Context) error {
	if s.state == StateClosed {
		return fmt.Errorf("%w: connect called while closed", ErrProtocolState)
	}
	if s.state != StateDisconnected {
		return nil
	}

	address := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	options := &imapclient.Options{}
	if s.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         s.opts.Host,
			InsecureSkipVerify: s.opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if s.opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, address, err)
	}

	s.client = client
	s.state = StateConnected

	if s.logger != nil {
		s.logger.Debug("imap connection established", "address", address, "tls", s.opts.UseTLS)
	}
	return nil
}

// Login authenticates the session. The secret never appears in returned
// errors or log records.
func (s *Session) Login(ctx context.Context) error {
	if s.state == StateAuthenticated || s.state == StateFolderSelected {
		return nil
	}
	if err := s.require("login", StateConnected); err != nil {
		return err
	}

	err := s.timed(ctx, func() error {
		return s.client.Login(s.opts.Username, s.opts.Password).Wait()
	})
	if err != nil {
		return fmt.Errorf("%w: user %s rejected", ErrAuthentication, s.opts.Username)
	}

	s.state = StateAuthenticated
	if s.logger != nil {
		s.logger.Debug("imap login ok", "user", s.opts.Username)
	}
	return nil
}

// SelectFolder selects the folder all later operations address. Message
// identifiers are only valid for the duration of this selection.
func (s *Session) SelectFolder(ctx context.Context, name string) error {
	if err := s.require("select folder", StateAuthenticated, StateFolderSelected); err != nil {
		return err
	}

	var data *imapv2.SelectData
	err := s.timed(ctx, func() error {
		var serr error
		data, serr = s.client.Select(name, &imapv2.SelectOptions{ReadOnly: s.opts.ReadOnly}).Wait()
		return serr
	})
	if err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return fmt.Errorf("%w: %s", ErrFolderNotFound, name)
		}
		return fmt.Errorf("select folder %s: %w", name, err)
	}

	s.folder = name
	s.state = StateFolderSelected
	if s.logger != nil {
		s.logger.Info("imap folder selected", "folder", name, "messages", data.NumMessages)
	}
	return nil
}

// Folders lists the mailbox folder names visible to the account.
func (s *Session) Folders(ctx context.Context) ([]string, error) {
	if err := s.require("list folders", StateAuthenticated, StateFolderSelected); err != nil {
		return nil, err
	}

	var names []string
	err := s.timed(ctx, func() error {
		boxes, lerr := s.client.List("", "*", nil).Collect()
		if lerr != nil {
			return lerr
		}
		for _, b := range boxes {
			names = append(names, b.Mailbox)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return names, nil
}

// Search runs the server-side filter and returns UIDs in the server's
// native order (ascending by arrival). A single transient fault triggers
// one reconnect-and-retry; a second consecutive failure is fatal.
func (s *Session) Search(ctx context.Context, sc *imapv2.SearchCriteria) ([]imapv2.UID, error) {
	if err := s.require("search", StateFolderSelected); err != nil {
		return nil, err
	}

	var uids []imapv2.UID
	err := s.retry(ctx, "search", func() error {
		return s.timed(ctx, func() error {
			data, serr := s.client.UIDSearch(sc, nil).Wait()
			if serr != nil {
				return serr
			}
			uids = data.AllUIDs()
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// FetchBatch retrieves raw message bytes for the given UIDs in chunks of
// at most batchSize, one wire round-trip per chunk, streaming results into
// out as they arrive. Peak memory is bounded by one chunk. Messages are
// always addressed by UID, never by position, so concurrent deletions by
// other clients cannot shift which message is fetched.
func (s *Session) FetchBatch(ctx context.Context, uids []imapv2.UID, batchSize int, out chan<- model.RawMessage) error {
	if err := s.require("fetch", StateFolderSelected); err != nil {
		return err
	}

	chunks := chunkUIDs(uids, batchSize)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		var raws []model.RawMessage
		err := s.retry(ctx, "fetch", func() error {
			var ferr error
			raws, ferr = s.fetchChunk(ctx, chunk)
			return ferr
		})
		if err != nil {
			return fmt.Errorf("fetch chunk %d/%d: %w", i+1, len(chunks), err)
		}

		for _, raw := range raws {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- raw:
			}
		}

		if s.logger != nil {
			s.logger.Debug("fetched chunk", "chunk", i+1, "chunks", len(chunks), "messages", len(raws))
		}
	}
	return nil
}

func (s *Session) fetchChunk(ctx context.Context, chunk []imapv2.UID) ([]model.RawMessage, error) {
	var uidSet imapv2.UIDSet
	uidSet.AddNum(chunk...)

	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}

	var raws []model.RawMessage
	err := s.timed(ctx, func() error {
		cmd := s.client.Fetch(uidSet, opts)
		defer cmd.Close()

		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, cerr := msg.Collect()
			if cerr != nil {
				return cerr
			}
			data := buf.FindBodySection(section)
			if data == nil {
				continue
			}
			sum := sha256.Sum256(data)
			raws = append(raws, model.RawMessage{
				UID:  buf.UID,
				Hash: base64.StdEncoding.EncodeToString(sum[:]),
				Data: data,
			})
		}
		return cmd.Close()
	})
	if err != nil {
		return nil, err
	}
	return raws, nil
}

// MarkSeen flags one message as read. Best-effort: the error is returned
// for logging but callers must not abort the batch on it.
func (s *Session) MarkSeen(ctx context.Context, uid imapv2.UID) error {
	if err := s.require("mark seen", StateFolderSelected); err != nil {
		return err
	}

	var uidSet imapv2.UIDSet
	uidSet.AddNum(uid)

	return s.timed(ctx, func() error {
		return s.client.Store(uidSet, &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}, nil).Close()
	})
}

// Close releases the transport. Safe to call from any state, repeatedly.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	if s.client == nil {
		return nil
	}
	if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	err := s.client.Close()
	s.client = nil
	if err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

// retry runs op, and after a transient fault reconnects once and runs it
// again. The second failure surfaces as ErrRetryExhausted with the
// original cause attached.
func (s *Session) retry(ctx context.Context, name string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProtocolState) || errors.Is(err, ErrAuthentication) || ctx.Err() != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Warn("transient fault, reconnecting", "op", name, "err", err)
	}
	if rerr := s.reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w: reconnect after %s failed: %w", ErrRetryExhausted, name, err)
	}

	if err2 := op(); err2 != nil {
		return fmt.Errorf("%w: %s failed twice: %w (first: %w)", ErrRetryExhausted, name, err2, err)
	}
	return nil
}

func (s *Session) redial(ctx context.Context) error {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	folder := s.folder
	s.state = StateDisconnected

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Login(ctx); err != nil {
		return err
	}
	if folder != "" {
		return s.SelectFolder(ctx, folder)
	}
	return nil
}

// timed bounds one wire round-trip. On deadline the connection is torn
// down, which unblocks the pending command; the retry policy treats the
// result as a transient fault.
func (s *Session) timed(ctx context.Context, fn func() error) error {
	if s.opts.Timeout <= 0 {
		return fn()
	}
	tctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	client := s.client
	stop := context.AfterFunc(tctx, func() {
		if client != nil {
			_ = client.Close()
		}
	})
	defer stop()

	err := fn()
	if err != nil && tctx.Err() != nil {
		return fmt.Errorf("%w: round-trip timed out after %s", ErrConnection, s.opts.Timeout)
	}
	return err
}

// chunkUIDs partitions uids into slices of at most batchSize, preserving
// order. A non-positive batchSize yields a single chunk.
func chunkUIDs(uids []imapv2.UID, batchSize int) [][]imapv2.UID {
	if len(uids) == 0 {
		return nil
	}
	if batchSize <= 0 {
		return [][]imapv2.UID{uids}
	}

	chunks := make([][]imapv2.UID, 0, (len(uids)+batchSize-1)/batchSize)
	for start := 0; start < len(uids); start += batchSize {
		end := start + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		chunks = append(chunks, uids[start:end])
	}
	return chunks
}
