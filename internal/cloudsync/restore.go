package cloudsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
)

// ErrInvalidSnapshot is returned when the downloaded file is not an SQLite
// database. The local file is left untouched.
var ErrInvalidSnapshot = errors.New("remote file is not an SQLite database")

var sqliteHeader = []byte("SQLite format 3\x00")

// Restore downloads the repository copy of localPath and swaps it in place of
// the local file. The download always bypasses caches and the remote copy
// wins unconditionally, even when the local file is newer.
func (c *Client) Restore(ctx context.Context, target Target, localPath string) Result {
	res := Result{Op: OpRestore, Path: localPath, At: c.now()}
	if !target.Enabled() {
		res.Err = ErrNotConfigured
		log.Printf("⚠️ Cloud restore skipped: %v", res.Err)
		return res
	}

	log.Printf("[*] Restoring %s from dataset [%s]...", remoteName(localPath), target.RepoID)
	if err := c.restore(ctx, target, localPath); err != nil {
		res.Err = fmt.Errorf("restore %s from %s: %w", remoteName(localPath), target.RepoID, err)
		log.Printf("⚠️ Cloud restore skipped or failed: %v", res.Err)
		return res
	}
	log.Printf("✅ Restored %s from dataset [%s]", localPath, target.RepoID)
	return res
}

func (c *Client) restore(ctx context.Context, target Target, localPath string) error {
	src := c.datasetURL(target.RepoID, "resolve", c.revision, remoteName(localPath))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if err := authorize(req, target.Token); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	return replaceFile(localPath, resp.Body)
}

// replaceFile streams r into a temp file next to path and renames it over
// path. A failed copy or a body that is neither empty nor an SQLite database
// leaves path untouched.
func replaceFile(path string, r io.Reader) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".restore-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	if err = checkSnapshot(tmp, size); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if info, statErr := os.Stat(path); statErr == nil {
		_ = os.Chmod(tmpName, info.Mode().Perm())
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func checkSnapshot(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	head := make([]byte, len(sqliteHeader))
	if _, err := f.ReadAt(head, 0); err != nil {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSnapshot, size)
	}
	if !bytes.Equal(head, sqliteHeader) {
		return fmt.Errorf("%w: starts with %q", ErrInvalidSnapshot, head)
	}
	return nil
}
