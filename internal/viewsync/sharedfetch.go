package viewsync

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/glazeworks/kiln/internal/model"
)

// SharedFetcher deduplicates concurrent fetches across views of the same
// parent collection: when several views refresh at once, only one
// underlying fetch runs and all callers share its result. Refreshes are
// idempotent, so sharing a result is indistinguishable from fetching
// twice.
//
// key should identify the parent collection (and page window) the fetch
// covers; views with different keys never share.
func SharedFetcher(group *singleflight.Group, key string, fetch Fetcher) Fetcher {
	return func(ctx context.Context) (model.JobPage, error) {
		result, err, _ := group.Do(key, func() (any, error) {
			return fetch(ctx)
		})
		if err != nil {
			return model.JobPage{}, err
		}
		return result.(model.JobPage), nil
	}
}
