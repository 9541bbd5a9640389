package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"uniqua/internal/config"
	"uniqua/internal/store"

	"github.com/spf13/cobra"
)

// Archive entry names.
const (
	entryConfig    = "config.json"
	entryCharacter = "character.yaml"
	entryHistory   = "history.db"
)

// backupSet maps archive entry names to files on disk.
type backupSet map[string]string

func resolveBackupSet() (backupSet, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	set := backupSet{entryConfig: resolveConfigPath()}
	if cfg.General.CharacterFile != "" {
		set[entryCharacter] = cfg.General.CharacterFile
	}
	if cfg.Store.DBPath != "" {
		set[entryHistory] = cfg.Store.DBPath
		set[entryHistory+"-wal"] = cfg.Store.DBPath + "-wal"
		set[entryHistory+"-shm"] = cfg.Store.DBPath + "-shm"
	}
	return set, nil
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive config, character and request history",
		Long:  "Writes a .tar.gz with the config file, the character file and the SQLite history database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := resolveBackupSet()
			if err != nil {
				return err
			}
			cleanup, err := snapshotHistory(cmd.Context(), set)
			if err != nil {
				return fmt.Errorf("snapshot history: %w", err)
			}
			defer cleanup()

			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, "uniqua-"+time.Now().Format("20060102-150405")+".tar.gz")
			}

			n, err := writeArchive(outputPath, set)
			if err != nil {
				os.Remove(outputPath)
				return fmt.Errorf("backup failed: %w", err)
			}
			if n == 0 {
				os.Remove(outputPath)
				return fmt.Errorf("nothing to back up")
			}
			logger.Info("backup created", "file", outputPath, "entries", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "archive path (default: ~/.uniqua/backups/uniqua-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <archive.tar.gz>",
		Short: "Restore config, character and history from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := resolveBackupSet()
			if err != nil {
				return err
			}
			if !force {
				for _, path := range set {
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s exists, use --force to overwrite", path)
					}
				}
			}
			restored, err := readArchive(args[0], set)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			dropStaleWAL(set, restored)
			for _, path := range restored {
				logger.Info("restored", "file", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

// snapshotHistory replaces the history entries of set with a single
// consistent copy of the database, so rows still in the write-ahead log are
// archived. The returned cleanup removes the copy.
func snapshotHistory(ctx context.Context, set backupSet) (func(), error) {
	noop := func() {}
	dbPath, ok := set[entryHistory]
	if !ok {
		return noop, nil
	}
	delete(set, entryHistory+"-wal")
	delete(set, entryHistory+"-shm")
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return noop, nil
	}

	dir, err := os.MkdirTemp("", "uniqua-backup-*")
	if err != nil {
		return noop, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	st, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		cleanup()
		return noop, err
	}
	defer st.Close()

	snap := filepath.Join(dir, entryHistory)
	if err := st.Snapshot(ctx, snap); err != nil {
		cleanup()
		return noop, err
	}
	set[entryHistory] = snap
	return cleanup, nil
}

// dropStaleWAL removes write-ahead files left next to a restored database
// that the archive did not carry; SQLite would replay them over the restored
// file.
func dropStaleWAL(set backupSet, restored []string) {
	dbPath, ok := set[entryHistory]
	if !ok || !slices.Contains(restored, dbPath) {
		return
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		path := dbPath + suffix
		if slices.Contains(restored, path) {
			continue
		}
		if err := os.Remove(path); err == nil {
			logger.Info("removed stale database file", "file", path)
		}
	}
}

// writeArchive stores every existing file of set and returns how many were written.
func writeArchive(outputPath string, set backupSet) (int, error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	n := 0
	for name, path := range set {
		err := addToArchive(tw, name, path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("add %s: %w", path, err)
		}
		n++
	}
	if err := tw.Close(); err != nil {
		return n, err
	}
	if err := gz.Close(); err != nil {
		return n, err
	}
	return n, out.Close()
}

func addToArchive(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// readArchive extracts the known entries of an archive to their paths in set.
// Unknown entries are skipped.
func readArchive(archivePath string, set backupSet) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("not a gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return restored, nil
		}
		if err != nil {
			return restored, err
		}
		target, ok := set[hdr.Name]
		if !ok {
			logger.Warn("skipping unknown archive entry", "name", hdr.Name)
			continue
		}
		if err := extractTo(target, tr); err != nil {
			return restored, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		restored = append(restored, target)
	}
}

func extractTo(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
