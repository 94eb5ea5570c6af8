package domain

import "fmt"

// TranscriptSegment is one time-stamped piece of text produced by a
// speech-to-text provider. Times are seconds from the start of the audio.
type TranscriptSegment struct {
	Start float64 `bson:"start" json:"start"`
	End   float64 `bson:"end" json:"end"`
	Text  string  `bson:"text" json:"text"`
}

// Validate checks if the TranscriptSegment has valid values
func (s TranscriptSegment) Validate() error {
	if s.Start < 0 {
		return fmt.Errorf("start cannot be negative")
	}
	if s.End <= s.Start {
		return fmt.Errorf("end must be greater than start")
	}
	return nil
}

// Window is a fixed-duration, possibly overlapping slice of transcript time
// with the concatenated text of every segment it intersects.
type Window struct {
	Start float64 `bson:"start" json:"start"`
	End   float64 `bson:"end" json:"end"`
	Text  string  `bson:"text" json:"text"`
}

// Duration returns the length of the window in seconds.
func (w Window) Duration() float64 {
	return w.End - w.Start
}
