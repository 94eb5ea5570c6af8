// Package adsegments turns a time-stamped transcript into overlapping text
// windows and coalesces classified windows into ad / not-ad segments.
package adsegments

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"podcast-ads/pkg/domain"
)

const (
	// DefaultWindowSec is the window length used when none is configured.
	DefaultWindowSec = 15.0
	// DefaultStepSec is the distance between consecutive window starts.
	DefaultStepSec = 7.5
)

// ErrInvalidWindowParameters is returned for non-positive or non-finite
// window/step lengths, or a step longer than the window (which would leave
// gaps between windows).
var ErrInvalidWindowParameters = errors.New("invalid window parameters")

// ValidateParams checks windowSec and stepSec before any windowing happens.
func ValidateParams(windowSec, stepSec float64) error {
	switch {
	case !isFinite(windowSec) || windowSec <= 0:
		return fmt.Errorf("%w: window length %v must be positive", ErrInvalidWindowParameters, windowSec)
	case !isFinite(stepSec) || stepSec <= 0:
		return fmt.Errorf("%w: step %v must be positive", ErrInvalidWindowParameters, stepSec)
	case stepSec > windowSec:
		return fmt.Errorf("%w: step %v exceeds window length %v", ErrInvalidWindowParameters, stepSec, windowSec)
	}
	return nil
}

// BuildWindows buckets an ordered transcript into windows of windowSec
// seconds starting every stepSec seconds.
//
// The transcript duration is the end of the last segment. Window i covers
// [i*stepSec, min(i*stepSec+windowSec, duration)] and its text is the
// space-joined text of every segment intersecting [start, end). Segments
// that only touch a window boundary are not included. Windowing stops right
// after the window that reaches the duration, so the last window may be
// shorter than windowSec and is never emitted twice.
func BuildWindows(segments []domain.TranscriptSegment, windowSec, stepSec float64) ([]domain.Window, error) {
	if err := ValidateParams(windowSec, stepSec); err != nil {
		return nil, err
	}

	windows := make([]domain.Window, 0, expectedWindowCount(segments, windowSec, stepSec))
	if len(segments) == 0 {
		return windows, nil
	}
	duration := segments[len(segments)-1].End

	first := 0
	for i := 0; ; i++ {
		start := float64(i) * stepSec
		if start >= duration {
			break
		}
		end := math.Min(start+windowSec, duration)

		// Segments ending at or before start can never intersect a later window.
		for first < len(segments) && segments[first].End <= start {
			first++
		}

		windows = append(windows, domain.Window{
			Start: start,
			End:   end,
			Text:  windowText(segments[first:], start, end),
		})

		if end == duration {
			break
		}
	}

	return windows, nil
}

// windowText joins the text of segments intersecting [start, end).
// segments must be ordered by start.
func windowText(segments []domain.TranscriptSegment, start, end float64) string {
	parts := make([]string, 0, 8)
	for _, s := range segments {
		if s.Start >= end {
			break
		}
		if s.End <= start {
			continue
		}
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// expectedWindowCount is ceil((duration-windowSec)/stepSec)+1, at least 1
// for a non-empty transcript.
func expectedWindowCount(segments []domain.TranscriptSegment, windowSec, stepSec float64) int {
	if len(segments) == 0 {
		return 0
	}
	duration := segments[len(segments)-1].End
	if duration <= 0 {
		return 0
	}
	if duration <= windowSec {
		return 1
	}
	return int(math.Ceil((duration-windowSec)/stepSec)) + 1
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
