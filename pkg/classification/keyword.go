package classification

import (
	"context"
	"strings"

	"podcast-ads/pkg/domain"
)

// DefaultThreshold is the score at which a window is labelled ad.
const DefaultThreshold = 2.0

// DefaultPhrases are common host-read advertisement cues and their weights.
var DefaultPhrases = map[string]float64{
	"sponsored by":                 2,
	"brought to you by":            2,
	"our sponsor":                  2,
	"today's sponsor":              2,
	"this episode is supported by": 2,
	"support for this podcast":     2,
	"promo code":                   2,
	"discount code":                2,
	"use code":                     2,
	"% off":                        1,
	"free trial":                   1,
	"first month free":             1,
	"sign up at":                   1,
	"slash podcast":                1,
	".com/":                        1,
	"dot com":                      0.5,
	"go to":                        0.5,
	"visit":                        0.5,
}

// KeywordClassifier scores a window by the weighted count of sponsor
// phrases it contains.
type KeywordClassifier struct {
	phrases   map[string]float64
	threshold float64
}

// NewKeywordClassifier uses DefaultPhrases when phrases is empty and
// DefaultThreshold when threshold is not positive.
func NewKeywordClassifier(phrases map[string]float64, threshold float64) *KeywordClassifier {
	if len(phrases) == 0 {
		phrases = DefaultPhrases
	}
	normalised := make(map[string]float64, len(phrases))
	for p, w := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" && w > 0 {
			normalised[p] = w
		}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &KeywordClassifier{phrases: normalised, threshold: threshold}
}

// Score returns the weighted phrase count of text.
func (k *KeywordClassifier) Score(text string) float64 {
	text = strings.ToLower(text)
	score := 0.0
	for phrase, weight := range k.phrases {
		score += weight * float64(strings.Count(text, phrase))
	}
	return score
}

func (k *KeywordClassifier) Classify(ctx context.Context, w domain.Window) (domain.Classification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Classification{}, err
	}

	score := k.Score(w.Text)
	// score/(score+threshold) is 0.5 exactly at the threshold.
	adness := score / (score + k.threshold)
	if score >= k.threshold {
		return domain.Classification{Label: domain.LabelAd, Confidence: adness}, nil
	}
	return domain.Classification{Label: domain.LabelNotAd, Confidence: 1 - adness}, nil
}
