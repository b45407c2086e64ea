package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("backup not found")
	ErrServerRunning = errors.New("server is running, stop it before restoring")
)

type Backup struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Server is the part of the supervisor backups need.
type Server interface {
	IsRunning() bool
}

// Console flushes world saves while an archive is written. *rcon.Client
// satisfies it.
type Console interface {
	Execute(ctx context.Context, command string) (string, error)
}

type Service struct {
	db      *sql.DB
	srcDir  string
	dataDir string
	server  Server
	console Console
	log     *zap.Logger
}

// NewService archives srcDir (the server working directory) into
// dataDir/backups. console may be nil.
func NewService(db *sql.DB, srcDir, dataDir string, server Server, console Console, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, srcDir: srcDir, dataDir: dataDir, server: server, console: console, log: log}
}

func (s *Service) backupsDir() string {
	return filepath.Join(s.dataDir, "backups")
}

// Create writes a tar.gz of the working directory. While the server runs,
// autosave is paused around the archive so region files are consistent.
func (s *Service) Create(ctx context.Context) (*Backup, error) {
	if _, err := os.Stat(s.srcDir); err != nil {
		return nil, fmt.Errorf("server working directory: %w", err)
	}

	backupDir := s.backupsDir()
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	if s.console != nil && s.server.IsRunning() {
		s.command(ctx, "save-off")
		s.command(ctx, "save-all flush")
		defer s.command(context.WithoutCancel(ctx), "save-on")
	}

	id := uuid.New().String()[:8]
	now := time.Now().UTC()
	filename := fmt.Sprintf("%s-%s.tar.gz", now.Format("20060102-150405"), id)
	backupPath := filepath.Join(backupDir, filename)

	// The data directory may live inside the working directory.
	if err := createTarGz(ctx, backupPath, s.srcDir, s.dataDir); err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("create archive: %w", err)
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}

	backup := &Backup{
		ID:        id,
		Filename:  filename,
		SizeBytes: info.Size(),
		CreatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backups (id, filename, size_bytes, created_at) VALUES (?, ?, ?, ?)`,
		backup.ID, backup.Filename, backup.SizeBytes, backup.CreatedAt,
	)
	if err != nil {
		os.Remove(backupPath)
		return nil, fmt.Errorf("save backup record: %w", err)
	}

	s.log.Info("backup created", zap.String("id", id), zap.Int64("bytes", backup.SizeBytes))
	return backup, nil
}

func (s *Service) command(ctx context.Context, cmd string) {
	if _, err := s.console.Execute(ctx, cmd); err != nil {
		s.log.Warn("backup console command failed", zap.String("command", cmd), zap.Error(err))
	}
}

// List returns all backups, newest first.
func (s *Service) List(ctx context.Context) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, size_bytes, created_at FROM backups ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := []Backup{}
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.ID, &b.Filename, &b.SizeBytes, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// FilePath returns the full path to a backup file.
func (s *Service) FilePath(ctx context.Context, backupID string) (string, error) {
	var filename string
	err := s.db.QueryRowContext(ctx, `SELECT filename FROM backups WHERE id = ?`, backupID).Scan(&filename)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup backup: %w", err)
	}
	return filepath.Join(s.backupsDir(), filename), nil
}

// Delete removes a backup file and its database record.
func (s *Service) Delete(ctx context.Context, backupID string) error {
	path, err := s.FilePath(ctx, backupID)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove backup file: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, backupID)
	return err
}

// Restore replaces the working directory with the archive contents. It is
// refused while the supervisor holds a server process. The archive is
// extracted into a staging directory first, so a corrupt archive leaves the
// working directory untouched.
func (s *Service) Restore(ctx context.Context, backupID string) error {
	if s.server.IsRunning() {
		return ErrServerRunning
	}
	path, err := s.FilePath(ctx, backupID)
	if err != nil {
		return err
	}

	// Staging lives inside the working directory so the swap is a rename.
	staging, err := os.MkdirTemp(s.srcDir, ".mcctl-restore-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extractTarGz(path, staging); err != nil {
		return fmt.Errorf("extract backup: %w", err)
	}
	if err := clearDir(s.srcDir, s.dataDir, staging); err != nil {
		return fmt.Errorf("clear working directory: %w", err)
	}
	if err := moveContents(staging, s.srcDir); err != nil {
		return fmt.Errorf("move restored files: %w", err)
	}
	s.log.Info("backup restored", zap.String("id", backupID))
	return nil
}

// clearDir empties dir, keeping every keep path (and anything above it) in
// place.
func clearDir(dir string, keep ...string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
next:
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		for _, k := range keep {
			if within(k, path) {
				continue next
			}
		}
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

// moveContents renames every entry of src into dst. Directories that still
// exist in dst (parents of the data directory) are merged.
func moveContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if info, err := os.Stat(to); err == nil && info.IsDir() {
				if err := moveContents(from, to); err != nil {
					return err
				}
				continue
			}
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}

// within reports whether path equals dir or lies under it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func createTarGz(ctx context.Context, dest, srcDir, skipDir string) error {
	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	err = writeTarGz(ctx, file, srcDir, skipDir)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	return err
}

// writeTarGz archives srcDir into w. The tar and gzip trailers are flushed on
// Close, so their errors are part of the result.
func writeTarGz(ctx context.Context, w io.Writer, srcDir, skipDir string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	err := walkInto(ctx, tw, srcDir, skipDir)
	if closeErr := tw.Close(); err == nil {
		err = closeErr
	}
	if closeErr := gw.Close(); err == nil {
		err = closeErr
	}
	return err
}

func walkInto(ctx context.Context, tw *tar.Writer, srcDir, skipDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if within(path, skipDir) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		// Get path relative to the source directory
		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
}

func extractTarGz(src, destDir string) error {
	file, err := os.Open(src)
	if err != nil {
		return err
	}
	defer file.Close()

	gr, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)

		// Prevent path traversal
		if !within(target, destDir) {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
