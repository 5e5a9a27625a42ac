package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-to-csv/attach"
	"github.com/dhcgn/imap-to-csv/config"
	"github.com/dhcgn/imap-to-csv/criteria"
	"github.com/dhcgn/imap-to-csv/csvout"
	"github.com/dhcgn/imap-to-csv/decode"
	"github.com/dhcgn/imap-to-csv/imap"
	"github.com/dhcgn/imap-to-csv/progress"
	"github.com/dhcgn/imap-to-csv/runner"
	"github.com/dhcgn/imap-to-csv/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "imap-to-csv",
		Short: "Export messages from an IMAP folder into a CSV file with attachments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting imap-to-csv", cfg.LogAttrs()...)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(newFoldersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	crit := criteria.Criteria{
		Since:      cfg.Since,
		Before:     cfg.Before,
		Sender:     cfg.Sender,
		Subject:    cfg.Subject,
		UnseenOnly: cfg.UnseenOnly,
	}
	expr, err := crit.Build()
	if err != nil {
		return err
	}
	sc, err := crit.SearchCriteria()
	if err != nil {
		return err
	}

	session, err := imap.NewSession(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ReadOnly:           !cfg.MarkSeen,
		Timeout:            cfg.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return err
	}
	if err := session.Login(ctx); err != nil {
		return err
	}
	if err := session.SelectFolder(ctx, cfg.Folder); err != nil {
		return err
	}

	uids, err := session.Search(ctx, sc)
	if err != nil {
		return err
	}
	logger.Info("search complete", "expression", expr, "matches", len(uids))

	if cfg.Limit > 0 && len(uids) > cfg.Limit {
		// Highest UIDs are the newest messages.
		uids = uids[len(uids)-cfg.Limit:]
		logger.Info("limit applied", "limit", cfg.Limit)
	}

	if cfg.DryRun {
		logger.Info("dry run, nothing fetched", "wouldExport", len(uids))
		return nil
	}

	r, err := runner.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	reporter := stats.NewReporter(r, logger)

	bar := progress.New(len(uids), r.Tracker().Snapshot().Exported, cfg.LogLevel)
	progress.NewReporter(r, bar, logger)

	outFile, err := os.Create(cfg.Output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	csvWriter, err := csvout.NewWriter(outFile)
	if err != nil {
		outFile.Close()
		return err
	}

	var materializer *attach.Materializer
	if !cfg.SkipAttachments {
		materializer, err = attach.New(cfg.AttachmentDir, logger)
		if err != nil {
			outFile.Close()
			return err
		}
	}

	decoder := decode.New(decode.Options{
		MaxBodyChars: cfg.MaxBodyChars,
		Folder:       cfg.Folder,
	}, logger)

	r.AddStage("fetch", func(ctx context.Context) error {
		defer r.CloseRaws()
		return session.FetchBatch(ctx, uids, cfg.BatchSize, r.RawWriter())
	})

	r.AddStage("decode", func(ctx context.Context) error {
		defer r.CloseRecords()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case raw, ok := <-r.Decodes():
				if !ok {
					return nil
				}

				rec := decoder.Decode(raw)
				r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDecoded, MessageID: rec.MessageID})
				if rec.Degraded {
					r.EmitEvent(stats.Event{Stage: stats.StageDecode, Type: stats.EventTypeDegraded, MessageID: rec.MessageID})
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case r.RecordWriter() <- rec:
				}
			}
		}
	})

	var exported []imapv2.UID
	r.AddStage("export", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rec, ok := <-r.Records():
				if !ok {
					return nil
				}

				var saved, failed int
				if materializer != nil {
					saved, failed = materializer.Save(rec)
				}
				for i := 0; i < saved; i++ {
					r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeAttachmentSaved, MessageID: rec.MessageID})
				}
				for i := 0; i < failed; i++ {
					r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeAttachmentFailed, MessageID: rec.MessageID})
				}

				if err := csvWriter.Write(rec); err != nil {
					return err
				}
				if err := r.Tracker().MarkExported(rec.RawHash, rec.MessageID); err != nil {
					return err
				}

				r.EmitEvent(stats.Event{Stage: stats.StageExport, Type: stats.EventTypeWritten, MessageID: rec.MessageID})
				exported = append(exported, rec.UID)
			}
		}
	})

	runErr := r.Start()
	bar.Stop()

	if err := csvWriter.Flush(); err != nil && runErr == nil {
		runErr = err
	}
	if err := outFile.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close output file: %w", err)
	}

	if runErr == nil && cfg.MarkSeen {
		markSeen(ctx, session, exported, logger)
	}

	summary := reporter.Summary()
	logger.Info("export finished", summary.LogAttrs()...)
	return runErr
}

// markSeen flags the exported messages as read, best-effort. Flag faults
// never fail a run whose CSV is already complete.
func markSeen(ctx context.Context, session *imap.Session, uids []imapv2.UID, logger *slog.Logger) {
	for _, uid := range uids {
		if ctx.Err() != nil {
			return
		}
		if err := session.MarkSeen(ctx, uid); err != nil {
			logger.Warn("mark seen failed", "uid", uid, "err", err)
		}
	}
	logger.Debug("marked exported messages as seen", "count", len(uids))
}

func newFoldersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "List the folders visible to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := imap.NewSession(imap.Options{
				Host:               cfg.IMAPHost,
				Port:               cfg.IMAPPort,
				Username:           cfg.IMAPUser,
				Password:           cfg.IMAPPass,
				UseTLS:             cfg.UseTLS,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
				ReadOnly:           true,
				Timeout:            cfg.Timeout,
			}, logger)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Connect(ctx); err != nil {
				return err
			}
			if err := session.Login(ctx); err != nil {
				return err
			}

			folders, err := session.Folders(ctx)
			if err != nil {
				return err
			}
			for _, name := range folders {
				fmt.Println(name)
			}
			return nil
		},
	}

	if err := config.RegisterFlags(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	return cmd
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("imap-to-csv-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
