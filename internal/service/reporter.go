package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/CZERTAINLY/tracecheck/internal/history"
	"github.com/CZERTAINLY/tracecheck/internal/model"
)

// Reporter publishes run records.
type Reporter interface {
	Report(ctx context.Context, rec Record) error
}

type ReportCloser interface {
	Reporter
	Close() error
}

// NewReporters builds the reporters of cfg. store, when not nil, receives
// every record too.
func NewReporters(_ context.Context, cfg []model.Reporter, store *history.Store) ([]Reporter, error) {
	var reporters []Reporter
	for _, r := range cfg {
		switch r.Type {
		case model.ReporterStdout:
			reporters = append(reporters, NewWriteReporter(os.Stdout))
		case model.ReporterDir:
			u, err := NewDirReporter(r.Path)
			if err != nil {
				return nil, err
			}
			reporters = append(reporters, u)
		case model.ReporterURL:
			u, err := NewWebhookReporter(r.URL, os.ExpandEnv(r.Token))
			if err != nil {
				return nil, err
			}
			reporters = append(reporters, u)
		default:
			return nil, fmt.Errorf("%w: unknown reporter type %q", model.ErrConfiguration, r.Type)
		}
	}
	if store != nil {
		reporters = append(reporters, HistoryReporter{store: store})
	}
	return reporters, nil
}

// WriteReporter writes one JSON line per record.
type WriteReporter struct {
	mx *sync.Mutex
	w  io.Writer
}

func NewWriteReporter(w io.Writer) WriteReporter {
	return WriteReporter{mx: &sync.Mutex{}, w: w}
}

func (u WriteReporter) Report(_ context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	u.mx.Lock()
	defer u.mx.Unlock()
	_, err = u.w.Write(append(b, '\n'))
	return err
}

// DirReporter stores every record as <case>-<id>.json.
type DirReporter struct {
	root *os.Root
}

func NewDirReporter(path string) (*DirReporter, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirReporter{root: root}, nil
}

func (u *DirReporter) Report(ctx context.Context, rec Record) error {
	if u.root == nil {
		return errors.New("root already closed")
	}
	path := rec.Case + "-" + rec.ID + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating run record: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving run record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing run record: %w", err)
	}
	slog.DebugContext(ctx, "run record saved", "path", path)
	return nil
}

func (u *DirReporter) Close() error {
	if u.root == nil {
		return errors.New("reporter already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

// HistoryReporter saves records to the history store.
type HistoryReporter struct {
	store *history.Store
}

func NewHistoryReporter(store *history.Store) HistoryReporter {
	return HistoryReporter{store: store}
}

func (u HistoryReporter) Report(ctx context.Context, rec Record) error {
	_, err := u.store.Save(ctx, rec.History())
	return err
}

func report(ctx context.Context, reporters []Reporter, rec Record) error {
	var errs []error
	for _, r := range reporters {
		if err := r.Report(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeReporters(ctx context.Context, reporters []Reporter) {
	for _, r := range reporters {
		if closer, ok := r.(ReportCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing reporter has failed", "error", err)
			}
		}
	}
}
