package fileutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// CopyFileVerified copies src to dst and confirms the written bytes match
// the source by size and SHA256 digest. On any mismatch dst is removed so a
// truncated or corrupted copy never survives as a delivery artifact.
func CopyFileVerified(src, dst string) error {
	wantSize, wantSum, err := copyHashed(src, dst)
	if err != nil {
		return err
	}
	gotSize, gotSum, err := hashFile(dst)
	if err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("verify copy: %w", err)
	}
	if gotSize != wantSize {
		_ = os.Remove(dst)
		return fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", wantSize, gotSize)
	}
	if gotSum != wantSum {
		_ = os.Remove(dst)
		return fmt.Errorf("copy hash mismatch: file corrupted during copy")
	}
	return nil
}

// copyHashed streams src into dst, returning the source's byte count and
// hex digest as observed during the copy.
func copyHashed(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	n, err := io.Copy(out, io.TeeReader(in, hasher))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}
