package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-ads/pkg/domain"
)

// testJobStoreContract exercises the behaviour every JobStore must share.
func testJobStoreContract(t *testing.T, store JobStore) {
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)

	job := &domain.AdJob{
		EpisodeID: "ep-" + time.Now().Format("150405.000000"),
		AudioURL:  "https://cdn.example.com/ep.mp3",
		Title:     "Episode",
		Status:    domain.JobStatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}

	id, err := store.CreateJob(ctx, job)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, id, job.ID)

	t.Run("get", func(t *testing.T) {
		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.EpisodeID, got.EpisodeID)
		assert.Equal(t, domain.JobStatusPending, got.Status)
		assert.Nil(t, got.Segments)
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("unknown job", func(t *testing.T) {
		_, err := store.GetJob(ctx, "does-not-exist")
		assert.ErrorIs(t, err, ErrJobNotFound)

		err = store.UpdateJob(ctx, "does-not-exist", domain.JobPatch{Status: domain.JobStatusFailed})
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("patch only touches set fields", func(t *testing.T) {
		count := 3
		require.NoError(t, store.UpdateJob(ctx, id, domain.JobPatch{Status: domain.JobStatusClassifying, WindowCount: &count}))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusClassifying, got.Status)
		assert.Equal(t, 3, got.WindowCount)
		assert.Equal(t, "Episode", got.Title)
		assert.Empty(t, got.Error)
	})

	t.Run("windows", func(t *testing.T) {
		rows := []domain.WindowRow{
			{Index: 2, Start: 15, End: 20, Text: "c"},
			{Index: 0, Start: 0, End: 15, Text: "a b"},
			{Index: 1, Start: 7.5, End: 20, Text: "b c"},
		}
		require.NoError(t, store.ReplaceWindows(ctx, id, rows))

		got, err := store.ListWindows(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, r := range got {
			assert.Equal(t, i, r.Index)
			assert.Equal(t, id, r.JobID)
			assert.False(t, r.Classified())
		}
		assert.Equal(t, "b c", got[1].Text)

		require.NoError(t, store.UpdateWindowLabel(ctx, id, 1, domain.Classification{Label: domain.LabelAd, Confidence: 0.9}))
		got, err = store.ListWindows(ctx, id)
		require.NoError(t, err)
		require.True(t, got[1].Classified())
		assert.Equal(t, domain.LabelAd, *got[1].Label)
		assert.InDelta(t, 0.9, *got[1].Confidence, 1e-9)

		err = store.UpdateWindowLabel(ctx, id, 99, domain.Classification{Label: domain.LabelAd})
		assert.ErrorIs(t, err, ErrWindowNotFound)

		require.NoError(t, store.ReplaceWindows(ctx, id, rows[:1]))
		got, err = store.ListWindows(ctx, id)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 2, got[0].Index)
	})

	t.Run("complete", func(t *testing.T) {
		done := time.Now().UTC().Truncate(time.Millisecond)
		segments := []domain.Segment{
			{Start: 0, End: 17, Label: domain.LabelAd},
			{Start: 17, End: 25, Label: domain.LabelNotAd},
		}
		require.NoError(t, store.UpdateJob(ctx, id, domain.JobPatch{
			Status:      domain.JobStatusComplete,
			Segments:    segments,
			CompletedAt: &done,
		}))

		got, err := store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusComplete, got.Status)
		assert.Equal(t, segments, got.Segments)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, done.Equal(*got.CompletedAt))

		complete, err := store.ListJobsByStatus(ctx, domain.JobStatusComplete)
		require.NoError(t, err)
		assert.Contains(t, jobIDs(complete), id)
	})

	t.Run("existing episodes", func(t *testing.T) {
		existing, err := store.ExistingEpisodeIDs(ctx, []string{job.EpisodeID, "never-seen"})
		require.NoError(t, err)
		assert.True(t, existing[job.EpisodeID])
		assert.False(t, existing["never-seen"])

		existing, err = store.ExistingEpisodeIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, existing)
	})
}

func jobIDs(jobs []domain.AdJob) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
