//go:build linux || darwin || freebsd

package diskguard

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
)

// statfs reads filesystem statistics with statfs(2). Bavail is used for free
// space so that blocks reserved for root are not counted as available.
func statfs(_ context.Context, path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return usageFromBlocks(uint64(st.Bsize), uint64(st.Blocks), uint64(st.Bfree), uint64(st.Bavail)), nil
}
