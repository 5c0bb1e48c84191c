//go:build !(linux || darwin || freebsd)

package diskguard

import "context"

func statfs(context.Context, string) (Usage, error) {
	return Usage{}, errUnsupported
}
