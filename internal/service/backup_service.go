package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"guardian/internal/models"
	"guardian/internal/store"
)

// BackupVersion is written into every export
const BackupVersion = "2.0"

// BackupData is the complete tree plus a little metadata
type BackupData struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Backend    string    `json:"backend"`
	Users      int       `json:"users"`
	Families   int       `json:"families"`
	Pending    int       `json:"pending_registrations"`
	Tree       any       `json:"tree"`
}

// BackupService exports and restores the whole tree through a persister
type BackupService struct {
	persister store.Persister
	backend   string
	logger    *zap.Logger
}

// NewBackupService creates a new backup service
func NewBackupService(persister store.Persister, backend string, logger *zap.Logger) *BackupService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackupService{persister: persister, backend: backend, logger: logger}
}

// Export writes a complete backup to a file
func (s *BackupService) Export(ctx context.Context, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	if err := s.ExportToWriter(ctx, file); err != nil {
		return err
	}
	s.logger.Info("tree exported", zap.String("path", outputPath))
	return nil
}

// ExportToWriter loads the stored tree and encodes it to w
func (s *BackupService) ExportToWriter(ctx context.Context, w io.Writer) error {
	root, err := s.persister.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tree: %w", err)
	}
	backup := NewBackupData(root, s.backend, time.Now())

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(backup); err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}
	s.logger.Info("export complete",
		zap.Int("users", backup.Users),
		zap.Int("families", backup.Families),
		zap.Int("pending", backup.Pending))
	return nil
}

// Import restores the tree from a backup file, replacing everything stored
func (s *BackupService) Import(ctx context.Context, inputPath string) error {
	file, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()
	return s.ImportFromReader(ctx, file)
}

// ImportFromReader restores the tree from a backup reader
func (s *BackupService) ImportFromReader(ctx context.Context, reader io.Reader) error {
	var backup BackupData
	if err := json.NewDecoder(reader).Decode(&backup); err != nil {
		return fmt.Errorf("failed to decode backup: %w", err)
	}
	if backup.Version != BackupVersion {
		return fmt.Errorf("unsupported backup version %q", backup.Version)
	}

	s.logger.Info("importing backup",
		zap.String("version", backup.Version),
		zap.Time("exported_at", backup.ExportedAt),
		zap.String("source_backend", backup.Backend))

	if err := s.persister.Apply(ctx, []store.Change{{Path: "", Value: backup.Tree}}); err != nil {
		return fmt.Errorf("failed to restore tree: %w", err)
	}
	s.logger.Info("import complete")
	return nil
}

// NewBackupData wraps an exported tree with its summary counts
func NewBackupData(root any, backend string, at time.Time) *BackupData {
	snap := store.NewSnapshot("", root)
	return &BackupData{
		Version:    BackupVersion,
		ExportedAt: at.UTC(),
		Backend:    backend,
		Users:      len(snap.Child(models.UsersRoot).Keys()),
		Families:   len(snap.Child(models.FamiliesRoot).Keys()),
		Pending:    len(snap.Child(models.PendingRoot).Keys()),
		Tree:       root,
	}
}
