package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const hashWindow = 8192

// ContentHash computes an MD5 digest over three 8 KiB windows of the file:
// head, middle and tail. Files of 24 KiB or less are hashed whole. This is a
// dedup hint, not an integrity check: it is cheap, stable across runs, and
// collides only for files that agree on all three windows.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	size := info.Size()

	h := md5.New()
	if size <= 3*hashWindow {
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	for _, offset := range []int64{0, size / 2, size - hashWindow} {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
		if _, err := io.CopyN(h, f, hashWindow); err != nil && err != io.EOF {
			return "", fmt.Errorf("hash %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
