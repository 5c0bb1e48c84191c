package diskguard

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const dfTimeout = 5 * time.Second

// dfUsage shells out to POSIX df for platforms where statfs is unavailable.
// The process is killed when ctx is done or after dfTimeout.
func dfUsage(ctx context.Context, path string) (Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, dfTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "df", "-Pk", path).Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Usage{}, fmt.Errorf("running df: %w", ctxErr)
		}
		return Usage{}, fmt.Errorf("running df: %w", err)
	}

	return parseDF(out)
}

// parseDF parses `df -Pk` output. The data line has the form
//
//	Filesystem 1024-blocks Used Available Capacity Mounted-on
//
// and may be preceded by the header only.
func parseDF(out []byte) (Usage, error) {
	sc := bufio.NewScanner(bytes.NewReader(out))
	var line string
	for i := 0; sc.Scan(); i++ {
		if i == 0 {
			continue
		}
		if l := strings.TrimSpace(sc.Text()); l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return Usage{}, fmt.Errorf("df: no data line in output")
	}

	fields := strings.Fields(line)
	if len(fields) < 6 {
		return Usage{}, fmt.Errorf("df: unexpected line %q", line)
	}
	// Filesystem names may contain spaces; the numeric columns are counted
	// from the right.
	n := len(fields)
	totalKB, err1 := strconv.ParseUint(fields[n-5], 10, 64)
	usedKB, err2 := strconv.ParseUint(fields[n-4], 10, 64)
	availKB, err3 := strconv.ParseUint(fields[n-3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Usage{}, fmt.Errorf("df: non-numeric columns in %q", line)
	}

	return Usage{
		TotalMB: totalKB / 1024,
		UsedMB:  usedKB / 1024,
		FreeMB:  availKB / 1024,
	}, nil
}
