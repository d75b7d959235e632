package checks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bargom/taskqueue/internal/health"
)

// DiskChecker watches free space on the volume holding the embedded store.
// SQLite needs room for the WAL and checkpoints; running out corrupts nothing
// but stalls every enqueue.
type DiskChecker struct {
	path       string
	minFreePct float64
}

// DiskOption is a functional option for DiskChecker.
type DiskOption func(*DiskChecker)

// WithMinFreePercent degrades the check below pct percent free (default 10).
func WithMinFreePercent(pct float64) DiskOption {
	return func(c *DiskChecker) {
		c.minFreePct = pct
	}
}

// NewDiskChecker checks the volume of path, which may name the database file
// itself or a directory. Missing trailing components are skipped.
func NewDiskChecker(path string, opts ...DiskOption) *DiskChecker {
	c := &DiskChecker{
		path:       path,
		minFreePct: 10,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the name of this health check.
func (c *DiskChecker) Name() string {
	return "data_dir"
}

// Severity is warning: a full disk degrades but the process still serves.
func (c *DiskChecker) Severity() health.Severity {
	return health.SeverityWarning
}

// Check reports the free space of the volume.
func (c *DiskChecker) Check(ctx context.Context) health.CheckResult {
	dir := existingDir(c.path)

	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return health.CheckResult{
			Status:  health.StatusUnhealthy,
			Message: fmt.Sprintf("statfs %s: %v", dir, err),
		}
	}

	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	var freePct float64
	if total > 0 {
		freePct = float64(free) / float64(total) * 100
	}

	res := health.CheckResult{
		Status: health.StatusHealthy,
		Details: map[string]any{
			"path":         dir,
			"free_bytes":   free,
			"total_bytes":  total,
			"free_percent": fmt.Sprintf("%.2f", freePct),
		},
	}
	if freePct < c.minFreePct {
		res.Status = health.StatusDegraded
		res.Message = fmt.Sprintf("free space %.2f%% below %.2f%%", freePct, c.minFreePct)
	}
	return res
}

// existingDir walks up from path to the nearest existing directory.
func existingDir(path string) string {
	p := filepath.Clean(path)
	for {
		if fi, err := os.Stat(p); err == nil {
			if fi.IsDir() {
				return p
			}
			return filepath.Dir(p)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}
