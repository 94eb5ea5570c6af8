package adsegments

import (
	"errors"
	"fmt"

	"podcast-ads/pkg/domain"
)

// ErrInvalidSegments is returned by Validate when a segment list breaks the
// ordering, alternation or non-overlap invariants.
var ErrInvalidSegments = errors.New("invalid segments")

// MergeAdWindows coalesces windows, ordered by start, into maximal runs of
// the same label.
//
// A window with the open run's label extends the run to the window's end.
// A window with a different label closes the run and opens a new one. The
// new run starts where the closed run ended, so time covered by both the
// closing run and the new window stays with the closing run and the output
// has no overlaps. A differently labelled window that ends inside the open
// run would only yield an empty run, so it is absorbed.
func MergeAdWindows(windows []domain.ClassifiedWindow) []domain.Segment {
	segments := make([]domain.Segment, 0)
	if len(windows) == 0 {
		return segments
	}

	open := domain.Segment{Start: windows[0].Start, End: windows[0].End, Label: windows[0].Label}
	for _, w := range windows[1:] {
		if w.Label == open.Label {
			if w.End > open.End {
				open.End = w.End
			}
			continue
		}

		if w.End <= open.End {
			continue
		}

		segments = append(segments, open)
		start := w.Start
		if start < open.End {
			start = open.End
		}
		open = domain.Segment{Start: start, End: w.End, Label: w.Label}
	}

	return append(segments, open)
}

// AdSegments filters segments down to those labelled as advertisements.
func AdSegments(segments []domain.Segment) []domain.Segment {
	out := make([]domain.Segment, 0, len(segments))
	for _, s := range segments {
		if s.Label == domain.LabelAd {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that segments are ordered, non-empty, non-overlapping and
// that no two neighbours share a label.
func Validate(segments []domain.Segment) error {
	for i, s := range segments {
		if s.End <= s.Start {
			return fmt.Errorf("%w: segment %d has non-positive length [%v, %v]", ErrInvalidSegments, i, s.Start, s.End)
		}
		if i == 0 {
			continue
		}
		prev := segments[i-1]
		if s.Start < prev.End {
			return fmt.Errorf("%w: segment %d starts at %v before previous end %v", ErrInvalidSegments, i, s.Start, prev.End)
		}
		if s.Label == prev.Label {
			return fmt.Errorf("%w: segments %d and %d share label %q", ErrInvalidSegments, i-1, i, s.Label)
		}
	}
	return nil
}
