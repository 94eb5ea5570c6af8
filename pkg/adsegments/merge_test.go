package adsegments

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-ads/pkg/domain"
)

func classified(start, end float64, label domain.Label) domain.ClassifiedWindow {
	return domain.ClassifiedWindow{Window: domain.Window{Start: start, End: end}, Label: label}
}

func TestMergeAdWindows_OverlappingBoundary(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 10, domain.LabelAd),
		classified(7, 17, domain.LabelAd),
		classified(15, 25, domain.LabelNotAd),
	}

	got := MergeAdWindows(windows)

	assert.Equal(t, []domain.Segment{
		{Start: 0, End: 17, Label: domain.LabelAd},
		{Start: 17, End: 25, Label: domain.LabelNotAd},
	}, got)
}

func TestMergeAdWindows_Empty(t *testing.T) {
	got := MergeAdWindows(nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMergeAdWindows_SingleWindow(t *testing.T) {
	got := MergeAdWindows([]domain.ClassifiedWindow{classified(3, 9, domain.LabelAd)})
	assert.Equal(t, []domain.Segment{{Start: 3, End: 9, Label: domain.LabelAd}}, got)
}

func TestMergeAdWindows_UniformLabel(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 15, domain.LabelNotAd),
		classified(7.5, 22.5, domain.LabelNotAd),
		classified(15, 30, domain.LabelNotAd),
		classified(22.5, 33, domain.LabelNotAd),
	}

	got := MergeAdWindows(windows)
	assert.Equal(t, []domain.Segment{{Start: 0, End: 33, Label: domain.LabelNotAd}}, got)
}

func TestMergeAdWindows_AlternatingLabels(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 15, domain.LabelNotAd),
		classified(7.5, 22.5, domain.LabelAd),
		classified(15, 30, domain.LabelAd),
		classified(22.5, 37.5, domain.LabelNotAd),
		classified(30, 40, domain.LabelNotAd),
	}

	got := MergeAdWindows(windows)

	assert.Equal(t, []domain.Segment{
		{Start: 0, End: 15, Label: domain.LabelNotAd},
		{Start: 15, End: 30, Label: domain.LabelAd},
		{Start: 30, End: 40, Label: domain.LabelNotAd},
	}, got)
}

func TestMergeAdWindows_AdjacentWindows(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 10, domain.LabelAd),
		classified(10, 20, domain.LabelNotAd),
		classified(20, 30, domain.LabelAd),
	}

	got := MergeAdWindows(windows)

	assert.Equal(t, []domain.Segment{
		{Start: 0, End: 10, Label: domain.LabelAd},
		{Start: 10, End: 20, Label: domain.LabelNotAd},
		{Start: 20, End: 30, Label: domain.LabelAd},
	}, got)
}

func TestMergeAdWindows_ContainedWindowIsAbsorbed(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 20, domain.LabelNotAd),
		classified(5, 20, domain.LabelAd),
		classified(10, 30, domain.LabelNotAd),
	}

	got := MergeAdWindows(windows)

	assert.Equal(t, []domain.Segment{{Start: 0, End: 30, Label: domain.LabelNotAd}}, got)
	assert.NoError(t, Validate(got))
}

func TestMergeAdWindows_ShorterSameLabelWindowDoesNotShrink(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 20, domain.LabelAd),
		classified(5, 12, domain.LabelAd),
	}

	got := MergeAdWindows(windows)
	assert.Equal(t, []domain.Segment{{Start: 0, End: 20, Label: domain.LabelAd}}, got)
}

func TestMergeAdWindows_GapBetweenWindowsIsKept(t *testing.T) {
	windows := []domain.ClassifiedWindow{
		classified(0, 10, domain.LabelAd),
		classified(12, 20, domain.LabelNotAd),
	}

	got := MergeAdWindows(windows)

	assert.Equal(t, []domain.Segment{
		{Start: 0, End: 10, Label: domain.LabelAd},
		{Start: 12, End: 20, Label: domain.LabelNotAd},
	}, got)
}

func TestMergeAdWindows_ContinuityOverBuiltWindows(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		windows, err := BuildWindows(randomTranscript(rng), 15, 7.5)
		require.NoError(t, err)

		cws := make([]domain.ClassifiedWindow, len(windows))
		for i, w := range windows {
			label := domain.LabelNotAd
			if rng.Intn(3) == 0 {
				label = domain.LabelAd
			}
			cws[i] = domain.ClassifiedWindow{Window: w, Label: label}
		}

		segments := MergeAdWindows(cws)
		require.NotEmpty(t, segments)
		require.NoError(t, Validate(segments))

		assert.Equal(t, cws[0].Start, segments[0].Start)
		assert.Equal(t, cws[len(cws)-1].End, segments[len(segments)-1].End)
		for i := 1; i < len(segments); i++ {
			assert.Equal(t, segments[i-1].End, segments[i].Start, "segments %d and %d are not contiguous", i-1, i)
		}

		for _, s := range segments {
			assert.True(t, coveredBy(s, cws), "segment %+v not covered by a %s window", s, s.Label)
		}
	}
}

// coveredBy reports whether s lies inside the union of windows carrying its label.
func coveredBy(s domain.Segment, windows []domain.ClassifiedWindow) bool {
	reached := s.Start
	for _, w := range windows {
		if w.Label != s.Label || w.Start > reached || w.End <= reached {
			continue
		}
		reached = w.End
		if reached >= s.End {
			return true
		}
	}
	return reached >= s.End
}

func TestAdSegments(t *testing.T) {
	segments := []domain.Segment{
		{Start: 0, End: 10, Label: domain.LabelNotAd},
		{Start: 10, End: 40, Label: domain.LabelAd},
		{Start: 40, End: 90, Label: domain.LabelNotAd},
	}

	assert.Equal(t, []domain.Segment{{Start: 10, End: 40, Label: domain.LabelAd}}, AdSegments(segments))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		segments []domain.Segment
		wantErr  bool
	}{
		{"empty", nil, false},
		{"valid", []domain.Segment{{Start: 0, End: 5, Label: domain.LabelAd}, {Start: 5, End: 9, Label: domain.LabelNotAd}}, false},
		{"zero length", []domain.Segment{{Start: 5, End: 5, Label: domain.LabelAd}}, true},
		{"overlap", []domain.Segment{{Start: 0, End: 6, Label: domain.LabelAd}, {Start: 5, End: 9, Label: domain.LabelNotAd}}, true},
		{"same label neighbours", []domain.Segment{{Start: 0, End: 5, Label: domain.LabelAd}, {Start: 5, End: 9, Label: domain.LabelAd}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.segments)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSegments)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
