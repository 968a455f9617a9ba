package alerts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Heartbeat is the on-disk liveness marker written after each successful
// cycle. The file holds a unix timestamp and is written atomically so the
// watchdog never observes a partial write.
type Heartbeat struct {
	Path string
}

// Touch records a successful cycle at the given time.
func (h Heartbeat) Touch(now time.Time) error {
	dir := filepath.Dir(h.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create heartbeat dir: %w", err)
	}

	tmp := h.Path + ".tmp"

	data := strconv.FormatInt(now.Unix(), 10) + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o644); err != nil {
		return fmt.Errorf("write heartbeat tmp file: %w", err)
	}

	if err := os.Rename(tmp, h.Path); err != nil {
		return fmt.Errorf("replace heartbeat file: %w", err)
	}

	return nil
}

// Last reads the recorded cycle time. ok is false when the file does not
// exist yet; a corrupt file is an error so the watchdog can page about it
// instead of treating garbage as liveness.
func (h Heartbeat) Last() (time.Time, bool, error) {
	data, err := os.ReadFile(h.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}

		return time.Time{}, false, fmt.Errorf("read heartbeat file: %w", err)
	}

	unix, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat file %s: %w", h.Path, err)
	}

	return time.Unix(unix, 0), true, nil
}

// Age returns how long ago the last successful cycle was. ok is false when
// no heartbeat has ever been written.
func (h Heartbeat) Age(now time.Time) (time.Duration, bool, error) {
	last, ok, err := h.Last()
	if err != nil || !ok {
		return 0, ok, err
	}

	return now.Sub(last), true, nil
}
