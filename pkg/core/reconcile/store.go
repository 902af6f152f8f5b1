package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"financial_reports/pkg/core/utils"
	"financial_reports/pkg/models"
)

// BackupSuffix is appended to a record path for its single backup generation.
const BackupSuffix = ".backup"

func BackupPath(path string) string { return path + BackupSuffix }

// RecordStore reads and writes canonical record files.
type RecordStore struct {
	logger *slog.Logger
	write  func(path string, data []byte) error
}

func NewRecordStore(logger *slog.Logger) *RecordStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecordStore{logger: logger, write: utils.WriteFileAtomic}
}

// Load reads a record. A damaged file (truncated write, trailing commas) is repaired in
// memory and a warning is logged; the file itself is only rewritten by Save.
func (s *RecordStore) Load(path string) (*models.CanonicalRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", path, err)
	}
	var rec models.CanonicalRecord
	repaired, err := utils.DecodeLenient(data, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", path, err)
	}
	if repaired {
		s.logger.Warn("record JSON was malformed and has been repaired in memory", "path", path)
	}
	return &rec, nil
}

// Save writes a record atomically.
func (s *RecordStore) Save(path string, rec *models.CanonicalRecord) error {
	data, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	if err := s.write(path, data); err != nil {
		return fmt.Errorf("failed to write record %s: %w", path, err)
	}
	return nil
}

// Create writes a new skeleton record unless one already exists. It reports whether a
// file was written.
func (s *RecordStore) Create(path string, rec *models.CanonicalRecord) (bool, error) {
	if utils.FileExists(path) {
		return false, nil
	}
	return true, s.Save(path, rec)
}

// Backup copies the current record bytes to its backup path, replacing any older backup.
// A missing record is not an error.
func (s *RecordStore) Backup(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read record for backup: %w", err)
	}
	if err := s.write(BackupPath(path), data); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Restore puts the backup back in place of the record.
func (s *RecordStore) Restore(path string) error {
	data, err := os.ReadFile(BackupPath(path))
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	return s.write(path, data)
}

func marshalRecord(rec *models.CanonicalRecord) ([]byte, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return append(data, '\n'), nil
}

func sameJSON(a, b *models.CanonicalRecord) (bool, error) {
	da, err := marshalRecord(a)
	if err != nil {
		return false, err
	}
	db, err := marshalRecord(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
