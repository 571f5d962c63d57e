package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// Storage reads pending files and relocates them between layout trees.
// It never deletes a file unless a verified copy already exists.
type Storage struct {
	maxFileBytes int64
}

func New(maxFileBytes int64) *Storage {
	if maxFileBytes <= 0 {
		maxFileBytes = 100 << 20
	}
	return &Storage{maxFileBytes: maxFileBytes}
}

func (s *Storage) ReadFile(_ context.Context, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrSourceMissing, "open source file", err)
		}
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, s.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	if int64(len(raw)) > s.maxFileBytes {
		return nil, domain.WrapError(domain.ErrUnsupported, "read source file",
			fmt.Errorf("file exceeds %d bytes", s.maxFileBytes))
	}
	return raw, nil
}

func (s *Storage) Hash(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", domain.WrapError(domain.ErrSourceMissing, "hash source file", err)
		}
		return "", fmt.Errorf("open for hash: %w", err)
	}
	defer f.Close()
	return hashReader(f)
}

func (s *Storage) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func (s *Storage) FreeName(_ context.Context, dst string) (string, error) {
	return freeName(dst)
}

// Move relocates src to dst and returns the final destination, which differs
// from dst when a file with that name already exists.
func (s *Storage) Move(_ context.Context, src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}
	target, err := freeName(dst)
	if err != nil {
		return "", err
	}

	err = os.Rename(src, target)
	if err == nil {
		return target, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return "", domain.WrapError(domain.ErrSourceMissing, "move file", err)
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("rename %s: %w", src, err)
	}
	if err := copyVerifyRemove(src, target); err != nil {
		return "", err
	}
	return target, nil
}

func (s *Storage) WriteSidecar(_ context.Context, path string, payload any) error {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit sidecar: %w", err)
	}
	return nil
}

// copyVerifyRemove handles cross-device moves: the original is removed only
// after the copy has the same size and digest.
func copyVerifyRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open for copy: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".bridge-move-*")
	if err != nil {
		return fmt.Errorf("create temp copy: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	srcHash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, srcHash), in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		cleanup()
		return fmt.Errorf("copy across devices: %w", err)
	}

	info, err := os.Stat(src)
	if err != nil {
		cleanup()
		return fmt.Errorf("stat source after copy: %w", err)
	}
	dstHash, err := hashFile(tmpName)
	if err != nil {
		cleanup()
		return err
	}
	if info.Size() != written || dstHash != hex.EncodeToString(srcHash.Sum(nil)) {
		cleanup()
		return fmt.Errorf("verify copy of %s: size or digest mismatch", src)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return fmt.Errorf("commit copy: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove original after verified copy: %w", err)
	}
	return nil
}

func freeName(dst string) (string, error) {
	ext := filepath.Ext(dst)
	base := strings.TrimSuffix(dst, ext)
	candidate := dst
	for i := 1; ; i++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat target: %w", err)
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for hash: %w", err)
	}
	defer f.Close()
	return hashReader(f)
}

func hashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
