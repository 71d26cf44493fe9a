package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"FeedTriage/internal/domain"
	"FeedTriage/internal/logging"
	"FeedTriage/internal/ports"
)

const lockRetryDelay = 50 * time.Millisecond

// CSVLedger stores records in an append-only CSV file. A sibling lock file
// serializes the read-check-append section across processes.
type CSVLedger struct {
	path   string
	lock   *flock.Flock
	logger *slog.Logger
}

var _ ports.Ledger = (*CSVLedger)(nil)

// NewCSVLedger opens (without creating) the ledger at path.
func NewCSVLedger(path string, logger *slog.Logger) (*CSVLedger, error) {
	if path == "" {
		return nil, errors.New("csv ledger path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &CSVLedger{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logging.OrDiscard(logger),
	}, nil
}

// Path returns the ledger file location.
func (l *CSVLedger) Path() string {
	return l.path
}

func (l *CSVLedger) ListRecords(ctx context.Context, topic string) ([]domain.RedundancyRecord, error) {
	if _, err := l.lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("acquire shared ledger lock: %w", err)
	}
	defer l.unlock()

	_, records, err := l.readAll()
	if err != nil {
		return nil, err
	}
	out := []domain.RedundancyRecord{}
	for _, rec := range records {
		if rec.Topic == topic {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *CSVLedger) AppendRecords(ctx context.Context, records []domain.RedundancyRecord) ([]domain.AppendOutcome, error) {
	if len(records) == 0 {
		return []domain.AppendOutcome{}, nil
	}
	if _, err := l.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer l.unlock()

	header, stored, err := l.readAll()
	if err != nil {
		return nil, err
	}
	existing := make(map[recordKey]domain.RedundancyRecord, len(stored))
	for _, rec := range stored {
		if _, ok := existing[keyOf(rec)]; !ok {
			existing[keyOf(rec)] = rec
		}
	}

	outcomes, fresh := planAppend(existing, records)
	if len(fresh) == 0 {
		return outcomes, nil
	}
	if err := l.append(header, fresh); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (l *CSVLedger) ClearTopic(ctx context.Context, topic string) (int, error) {
	if _, err := l.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return 0, fmt.Errorf("acquire ledger lock: %w", err)
	}
	defer l.unlock()

	header, records, err := l.readAll()
	if err != nil {
		return 0, err
	}
	var kept []domain.RedundancyRecord
	for _, rec := range records {
		if rec.Topic != topic {
			kept = append(kept, rec)
		}
	}
	removed := len(records) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp ledger: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeRows(tmp, header, kept, true); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return 0, fmt.Errorf("replace ledger: %w", err)
	}
	return removed, nil
}

func (l *CSVLedger) unlock() {
	if err := l.lock.Unlock(); err != nil {
		l.logger.Warn("release ledger lock", "path", l.path, "error", err)
	}
}

// readAll returns the file header (the default columns when the file does
// not exist yet) and every record in file order.
func (l *CSVLedger) readAll() ([]string, []domain.RedundancyRecord, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return ledgerColumns, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return ledgerColumns, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read ledger header: %w", err)
	}
	if err := checkHeader(header); err != nil {
		return nil, nil, fmt.Errorf("ledger %s: %w", l.path, err)
	}

	var records []domain.RedundancyRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read ledger row %d: %w", line, err)
		}
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				fields[col] = row[i]
			}
		}
		records = append(records, recordOf(fields))
	}
	return header, records, nil
}

// append writes rows at the end of the file. A failed write truncates the
// file back to its previous size so no partial batch is left behind.
func (l *CSVLedger) append(header []string, records []domain.RedundancyRecord) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat ledger: %w", err)
	}
	size := info.Size()

	writeErr := writeRows(f, header, records, size == 0)
	if writeErr == nil {
		writeErr = f.Sync()
	}
	if writeErr != nil {
		if terr := f.Truncate(size); terr != nil {
			l.logger.Error("truncate ledger after failed append", "path", l.path, "error", terr)
		}
		f.Close()
		return fmt.Errorf("append ledger rows: %w", writeErr)
	}
	return f.Close()
}

func writeRows(w io.Writer, header []string, records []domain.RedundancyRecord, withHeader bool) error {
	cw := csv.NewWriter(w)
	if withHeader {
		if err := cw.Write(header); err != nil {
			return err
		}
	}
	row := make([]string, len(header))
	for _, rec := range records {
		fields := fieldsOf(rec)
		for i, col := range header {
			row[i] = fields[col]
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func checkHeader(header []string) error {
	present := make(map[string]bool, len(header))
	for _, col := range header {
		present[col] = true
	}
	for _, col := range ledgerColumns[:requiredColumns] {
		if !present[col] {
			return fmt.Errorf("missing column %q in header", col)
		}
	}
	return nil
}
