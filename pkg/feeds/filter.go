package feeds

import "context"

// EpisodeFilter decides which discovered episodes get a job.
type EpisodeFilter interface {
	Filter(ctx context.Context, episodes []Episode) ([]Episode, error)
}

// EpisodeLookup reports which episode ids already have a live job.
type EpisodeLookup interface {
	ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error)
}

// AlreadyDetectedFilter drops episodes that already have a job that has
// not failed, so failed episodes are retried on the next run.
type AlreadyDetectedFilter struct {
	lookup EpisodeLookup
}

// NewAlreadyDetectedFilter creates a filter backed by lookup.
func NewAlreadyDetectedFilter(lookup EpisodeLookup) *AlreadyDetectedFilter {
	return &AlreadyDetectedFilter{lookup: lookup}
}

func (f *AlreadyDetectedFilter) Filter(ctx context.Context, episodes []Episode) ([]Episode, error) {
	ids := make([]string, 0, len(episodes))
	for _, ep := range episodes {
		ids = append(ids, ep.ID())
	}

	existing, err := f.lookup.ExistingEpisodeIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	kept := make([]Episode, 0, len(episodes))
	seen := make(map[string]bool, len(episodes))
	for _, ep := range episodes {
		id := ep.ID()
		if existing[id] || seen[id] {
			continue
		}
		seen[id] = true
		kept = append(kept, ep)
	}
	return kept, nil
}

// LimitFilter keeps the first n episodes. Feeds list newest first, so this
// keeps the most recent ones.
type LimitFilter struct {
	n int
}

// NewLimitFilter creates a limit filter; n <= 0 keeps everything.
func NewLimitFilter(n int) *LimitFilter {
	return &LimitFilter{n: n}
}

func (f *LimitFilter) Filter(ctx context.Context, episodes []Episode) ([]Episode, error) {
	if f.n <= 0 || len(episodes) <= f.n {
		return episodes, nil
	}
	return episodes[:f.n], nil
}
