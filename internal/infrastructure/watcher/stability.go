package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kirillkom/file-bridge/internal/core/domain"
)

// StabilityDetector decides when a file has stopped changing by polling its
// size and modification time.
type StabilityDetector struct {
	stat func(string) (os.FileInfo, error)
	now  func() time.Time
}

func NewStabilityDetector() *StabilityDetector {
	return &StabilityDetector{stat: os.Stat, now: time.Now}
}

// WaitStable returns once two consecutive polls separated by window see the
// same size and modification time. It gives up with ErrUnstableFile after
// maxWait.
func (d *StabilityDetector) WaitStable(ctx context.Context, path string, window, maxWait time.Duration) (os.FileInfo, error) {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	deadline := d.now().Add(maxWait)

	prev, err := d.statFile(path)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		cur, err := d.statFile(path)
		if err != nil {
			return nil, err
		}
		if cur.Size() == prev.Size() && cur.ModTime().Equal(prev.ModTime()) {
			return cur, nil
		}
		if maxWait > 0 && !d.now().Before(deadline) {
			return nil, domain.WrapError(domain.ErrUnstableFile, "wait stable",
				fmt.Errorf("%s still changing after %s", path, maxWait))
		}
		prev = cur
		timer.Reset(window)
	}
}

func (d *StabilityDetector) statFile(path string) (os.FileInfo, error) {
	info, err := d.stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrSourceMissing, "wait stable", err)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return info, nil
}
