package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"podcast-ads/pkg/domain"
)

// StaticTranscriber serves a transcript stored as a JSON array of
// {"start","end","text"} objects, ignoring the audio URL. It lets the
// pipeline run offline against a known transcript.
type StaticTranscriber struct {
	segments []domain.TranscriptSegment
}

// NewStaticTranscriber loads and validates the transcript at path.
func NewStaticTranscriber(path string) (*StaticTranscriber, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return ParseStaticTranscript(data)
}

// ParseStaticTranscript builds a StaticTranscriber from JSON.
func ParseStaticTranscript(data []byte) (*StaticTranscriber, error) {
	var segments []domain.TranscriptSegment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	for i, s := range segments {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return &StaticTranscriber{segments: segments}, nil
}

func (t *StaticTranscriber) Transcribe(ctx context.Context, audioURL string) ([]domain.TranscriptSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]domain.TranscriptSegment(nil), t.segments...), nil
}
