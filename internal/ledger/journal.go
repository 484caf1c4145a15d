package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Journal writes every ledger movement to CSV files with automatic
// rotation. It is the externally readable audit surface; rows are only ever
// appended, mirroring the in-memory trail.
type Journal struct {
	log *zap.Logger
	dir string

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	rows   int
}

// Rotate after 100k rows so a season's trading never produces an unwieldy file.
const maxRowsPerFile = 100_000

var csvHeader = []string{
	"movement_id", "date", "vehicle_id", "product_id", "type", "quantity", "reference_id",
}

// NewJournal creates a journal writing into dir. Files are created lazily on
// the first movement.
func NewJournal(dir string, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{log: log, dir: dir}
}

// Record appends one movement row, rotating the file when needed. Journal
// failures are logged, never propagated — the in-memory ledger stays
// authoritative.
func (j *Journal) Record(m Movement) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer == nil || j.rows >= maxRowsPerFile {
		if err := j.rotateFile(m.Date); err != nil {
			j.log.Warn("journal rotate failed", zap.Error(err))
			return
		}
	}

	row := []string{
		m.ID,
		m.Date.Format(time.RFC3339Nano),
		m.VehicleID,
		m.ProductID,
		string(m.Type),
		m.Quantity.String(),
		m.ReferenceID,
	}
	if err := j.writer.Write(row); err != nil {
		j.log.Warn("journal write failed", zap.Error(err))
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current journal file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("movements_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.log.Info("journal opened", zap.String("path", path))
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}
