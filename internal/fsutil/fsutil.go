// Package fsutil holds filesystem helpers shared by the stores.
package fsutil

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// Missing returns the paths that do not exist, sorted. At most limit stat
// calls run at once; limit <= 0 means GOMAXPROCS.
//
// Only fs.ErrNotExist counts as missing. A path that cannot be stat'ed for
// another reason, such as a permission error or an unmounted drive, is
// reported as present.
func Missing(ctx context.Context, paths []string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	gone := make([]bool, len(paths))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for i, p := range paths {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
				gone[i] = true
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var out []string
	for i, p := range paths {
		if gone[i] {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}
