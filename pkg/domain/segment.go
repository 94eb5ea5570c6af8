package domain

import "strings"

// Label is the ad/not-ad classification of a span of audio.
type Label string

const (
	LabelAd    Label = "ad"
	LabelNotAd Label = "not_ad"
)

// ParseLabel normalises provider output into a Label. Anything that does not
// read as an advertisement is treated as regular content.
func ParseLabel(raw string) Label {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ad", "ads", "advert", "advertisement", "sponsor", "sponsored", "promo", "promotion", "true", "1":
		return LabelAd
	default:
		return LabelNotAd
	}
}

// Classification is a classifier's verdict for one window.
type Classification struct {
	Label      Label   `bson:"label" json:"label"`
	Confidence float64 `bson:"confidence" json:"confidence"`
}

// ClassifiedWindow is a Window annotated with its classification.
type ClassifiedWindow struct {
	Window
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Segment is a maximal run of same-label time, the pipeline's output unit.
type Segment struct {
	Start float64 `bson:"start" json:"start"`
	End   float64 `bson:"end" json:"end"`
	Label Label   `bson:"label" json:"label"`
}

// Duration returns the length of the segment in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// WindowRow is the persisted form of a window, keyed by job and a stable
// per-job index. Label is nil until the classify stage writes it.
type WindowRow struct {
	JobID      string   `bson:"job_id" json:"jobId"`
	Index      int      `bson:"index" json:"index"`
	Start      float64  `bson:"start" json:"start"`
	End        float64  `bson:"end" json:"end"`
	Text       string   `bson:"text" json:"text"`
	Label      *Label   `bson:"label,omitempty" json:"label,omitempty"`
	Confidence *float64 `bson:"confidence,omitempty" json:"confidence,omitempty"`
}

// Window returns the unclassified window stored in the row.
func (r WindowRow) Window() Window {
	return Window{Start: r.Start, End: r.End, Text: r.Text}
}

// Classified reports whether the classify stage has labelled the row.
func (r WindowRow) Classified() bool {
	return r.Label != nil && *r.Label != ""
}
