package remote

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStorage is the direct-copy backend used when no upload script is
// configured (spec §4.E: "a direct filesystem copy when no script is
// configured").
type FileStorage interface {
	Put(remotePath, localPath string) error
	String() string
}

// diskStorage grounds spec §4.E's direct-copy path on mmp-bk/storage/disk.go's
// backupDir-relative layout, minus that file's pack/index machinery: this
// backend copies whole files rather than repacking blobs.
type diskStorage struct {
	dest  string
	limit *bandwidthLimiter
}

// NewDisk returns a FileStorage that copies files under dest, creating
// parent directories as needed. maxBytesPerSecond of 0 means unlimited.
func NewDisk(dest string, maxBytesPerSecond int) FileStorage {
	return &diskStorage{dest: dest, limit: newBandwidthLimiter(maxBytesPerSecond)}
}

func (d *diskStorage) String() string { return "disk: " + d.dest }

func (d *diskStorage) Put(remotePath, localPath string) error {
	dst := filepath.Join(d.dest, remotePath)
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return fmt.Errorf("remote: creating %s: %w", filepath.Dir(dst), err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remote: opening %s: %w", localPath, err)
	}
	defer src.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("remote: creating %s: %w", tmp, err)
	}

	if _, err := io.Copy(out, &limitedReader{r: src, l: d.limit}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("remote: copying to %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("remote: closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, dst)
}
