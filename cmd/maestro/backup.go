package main

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/maestro/internal/store"
)

// Archive sections. Every entry lives under one of them.
const (
	sectionStore = "store"
	sectionNATS  = "nats"
)

const storeEntry = sectionStore + "/maestro.db"

func newBackupCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup -f OUTPUT",
		Short: "Archive the store and bus data into a .tar.zst file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("file")
			return a.backup(out)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Output archive (.tar.zst)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newRestoreCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore -f INPUT",
		Short: "Restore the store and bus data from a backup archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			in, _ := cmd.Flags().GetString("file")
			overwrite, _ := cmd.Flags().GetBool("overwrite")
			return a.restore(in, overwrite)
		},
	}
	cmd.Flags().StringP("file", "f", "", "Backup archive (.tar.zst)")
	cmd.Flags().Bool("overwrite", false, "Replace existing files")
	cmd.MarkFlagRequired("file")
	return cmd
}

func (a *app) backup(outputPath string) error {
	// Snapshot the database so a running server keeps writing safely.
	tmp, err := os.MkdirTemp("", "maestro-backup-")
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, "maestro.db")
	db, err := store.New(a.cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	err = db.Snapshot(snapshot)
	db.Close()
	if err != nil {
		return err
	}

	// Create output file
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	files := 0
	if err := addFile(tw, snapshot, storeEntry); err != nil {
		return fmt.Errorf("archive store: %w", err)
	}
	files++

	if dir := a.cfg.NATS.DataDir; dir != "" {
		n, err := addDir(tw, dir, sectionNATS)
		if err != nil {
			return fmt.Errorf("archive nats data: %w", err)
		}
		files += n
	}

	// Close everything explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	fmt.Fprintf(a.stdout, "Backup complete: %d files, %s\n", files, formatSize(size))
	return nil
}

func addFile(tw *tar.Writer, src, name string) error {
	f, err := os.Open(src)
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
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

// addDir archives the regular files under root with the given prefix. A
// missing root adds nothing.
func addDir(tw *tar.Writer, root, prefix string) (int, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	n := 0
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		n++
		return addFile(tw, p, path.Join(prefix, filepath.ToSlash(rel)))
	})
	return n, err
}

func (a *app) restore(inputPath string, overwrite bool) error {
	targets := map[string]string{sectionNATS: a.cfg.NATS.DataDir}

	// Pre-scan: refuse to clobber existing files
	entries, err := scanArchive(inputPath)
	if err != nil {
		return fmt.Errorf("scan archive: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "Archive contains no files.")
		return nil
	}
	if !overwrite {
		for _, e := range entries {
			dst := restorePath(targets, e, a.cfg.Store.Path)
			if dst == "" {
				continue
			}
			if _, err := os.Stat(dst); err == nil {
				return fmt.Errorf("%s already exists, add --overwrite to replace it", dst)
			}
		}
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	restored := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dst := restorePath(targets, hdr.Name, a.cfg.Store.Path)
		if dst == "" {
			slog.Warn("skipping archive entry", "name", hdr.Name)
			continue
		}
		if err := writeFile(dst, tr, hdr.FileInfo().Mode().Perm()); err != nil {
			return fmt.Errorf("restore %s: %w", hdr.Name, err)
		}
		restored++
	}

	fmt.Fprintf(a.stdout, "Restore complete: %d files\n", restored)
	return nil
}

func writeFile(dst string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// Stale WAL files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		os.Remove(dst + suffix)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// scanArchive lists the regular file entries of an archive without
// extracting them.
func scanArchive(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			names = append(names, hdr.Name)
		}
	}
	return names, nil
}

// restorePath maps an archive entry to its destination, or "" when the
// entry belongs to no known section or escapes it.
func restorePath(targets map[string]string, name, storePath string) string {
	section, rel := splitArchivePath(name)
	if section == "" {
		return ""
	}
	if section == sectionStore {
		if rel != "maestro.db" {
			return ""
		}
		return storePath
	}
	dir := targets[section]
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, filepath.FromSlash(rel))
}

// splitArchivePath splits "nats/jetstream/meta.inf" into ("nats",
// "jetstream/meta.inf"). Unknown sections and paths leaving their section
// return empty strings.
func splitArchivePath(name string) (section, rel string) {
	name = strings.TrimLeft(name, "./")
	idx := strings.IndexByte(name, '/')
	if idx < 0 {
		return "", ""
	}
	section, rel = name[:idx], path.Clean(name[idx+1:])
	if section != sectionStore && section != sectionNATS {
		return "", ""
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return "", ""
	}
	return section, rel
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
