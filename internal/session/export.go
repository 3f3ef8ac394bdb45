package session

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ArchiveDir packs the directory tree at srcPath into an in-memory tar stream
// with paths relative to srcPath.
func ArchiveDir(srcPath string) (io.Reader, error) {
	absSrc, err := filepath.Abs(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	info, err := os.Stat(absSrc)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", srcPath)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err = filepath.Walk(absSrc, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if file == absSrc {
			return nil
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(file); err != nil {
				return fmt.Errorf("failed to read symlink: %w", err)
			}
		}

		header, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return fmt.Errorf("failed to create header: %w", err)
		}
		relPath, err := filepath.Rel(absSrc, file)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)
		if fi.IsDir() {
			header.Name += "/"
		}

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		return copyFileInto(tw, file)
	})
	if err != nil {
		tw.Close()
		return nil, fmt.Errorf("failed to create tar archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar archive: %w", err)
	}
	return &buf, nil
}

func copyFileInto(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// LatestBatchDir returns the newest batch_* directory for a session under root.
func LatestBatchDir(root, session string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(root, session, "batch_*"))
	if err != nil {
		return "", err
	}
	latest := ""
	for _, m := range matches {
		if fi, err := os.Stat(m); err == nil && fi.IsDir() && filepath.Base(m) > filepath.Base(latest) {
			latest = m
		}
	}
	if latest == "" {
		return "", fmt.Errorf("%w: no batches for %s", ErrBatchNotFound, session)
	}
	return latest, nil
}
