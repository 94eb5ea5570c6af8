// Package transcription adapts speech-to-text providers to the ordered
// transcript segments the ad detection pipeline windows.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/httpclient"
	"podcast-ads/pkg/metrics"
)

// DefaultDeepgramURL is Deepgram's pre-recorded audio endpoint.
const DefaultDeepgramURL = "https://api.deepgram.com/v1/listen"

// ErrNoSpeech is returned when the provider answered but found no words.
var ErrNoSpeech = errors.New("no speech in transcript")

// DeepgramConfig configures a DeepgramTranscriber.
type DeepgramConfig struct {
	APIKey string
	APIURL string
	// Model selects the Deepgram model, e.g. "nova-2". Empty uses the account default.
	Model string
	// Language is a BCP-47 tag; empty lets Deepgram detect it.
	Language string
	Timeout  time.Duration
}

// DeepgramTranscriber transcribes hosted audio through Deepgram by URL, so
// the audio never passes through this process.
type DeepgramTranscriber struct {
	cfg    DeepgramConfig
	client *httpclient.HTTPClient
	logger *logrus.Logger
}

// NewDeepgramTranscriber returns a transcriber for cfg.
func NewDeepgramTranscriber(cfg DeepgramConfig, logger *logrus.Logger) (*DeepgramTranscriber, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deepgram API key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultDeepgramURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DeepgramTranscriber{
		cfg:    cfg,
		client: httpclient.NewClient(httpclient.APIClient, cfg.Timeout),
		logger: logger,
	}, nil
}

type deepgramWord struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string         `json:"transcript"`
				Confidence float64        `json:"confidence"`
				Words      []deepgramWord `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Confidence float64 `json:"confidence"`
			Transcript string  `json:"transcript"`
		} `json:"utterances"`
	} `json:"results"`
	Metadata struct {
		RequestID string  `json:"request_id"`
		Duration  float64 `json:"duration"`
	} `json:"metadata"`
}

func (t *DeepgramTranscriber) requestURL() (string, error) {
	u, err := url.Parse(t.cfg.APIURL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram URL: %w", err)
	}
	q := u.Query()
	q.Set("utterances", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if t.cfg.Model != "" {
		q.Set("model", t.cfg.Model)
	}
	if t.cfg.Language != "" {
		q.Set("language", t.cfg.Language)
	} else {
		q.Set("detect_language", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Transcribe asks Deepgram to fetch and transcribe audioURL.
func (t *DeepgramTranscriber) Transcribe(ctx context.Context, audioURL string) ([]domain.TranscriptSegment, error) {
	endpoint, err := t.requestURL()
	if err != nil {
		return nil, err
	}

	done := metrics.ObserveProvider("deepgram")
	var resp deepgramResponse
	err = t.client.PostJSON(ctx, endpoint,
		map[string]string{"Authorization": "Token " + t.cfg.APIKey},
		map[string]string{"url": audioURL},
		&resp,
	)
	if err != nil {
		done("error")
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	done("ok")

	segments := segmentsFromResponse(&resp)
	if len(segments) == 0 {
		return nil, ErrNoSpeech
	}

	t.logger.WithFields(logrus.Fields{
		"request_id": resp.Metadata.RequestID,
		"duration":   resp.Metadata.Duration,
		"segments":   len(segments),
	}).Info("Deepgram transcription complete")
	return segments, nil
}

// segmentsFromResponse prefers utterances and falls back to grouping the
// first alternative's words into sentences.
func segmentsFromResponse(resp *deepgramResponse) []domain.TranscriptSegment {
	segments := make([]domain.TranscriptSegment, 0, len(resp.Results.Utterances))
	for _, u := range resp.Results.Utterances {
		text := strings.TrimSpace(u.Transcript)
		if text == "" || u.End <= u.Start {
			continue
		}
		segments = append(segments, domain.TranscriptSegment{Start: u.Start, End: u.End, Text: text})
	}

	if len(segments) == 0 && len(resp.Results.Channels) > 0 && len(resp.Results.Channels[0].Alternatives) > 0 {
		segments = groupWords(resp.Results.Channels[0].Alternatives[0].Words)
	}

	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	// Utterances of different speakers may overlap. Ends must not decrease
	// so the last segment carries the episode duration.
	for i := 1; i < len(segments); i++ {
		if prev := segments[i-1].End; segments[i].End < prev {
			segments[i].End = prev
		}
	}
	return segments
}

const (
	maxWordsPerSegment = 40
	maxWordGapSec      = 1.5
)

// groupWords cuts a word stream into segments at sentence punctuation,
// long pauses, or every maxWordsPerSegment words.
func groupWords(words []deepgramWord) []domain.TranscriptSegment {
	segments := make([]domain.TranscriptSegment, 0)
	var (
		parts []string
		start float64
		end   float64
	)

	flush := func() {
		if len(parts) > 0 && end > start {
			segments = append(segments, domain.TranscriptSegment{Start: start, End: end, Text: strings.Join(parts, " ")})
		}
		parts = parts[:0]
	}

	for _, w := range words {
		token := w.PunctuatedWord
		if token == "" {
			token = w.Word
		}
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}

		if len(parts) > 0 && w.Start-end > maxWordGapSec {
			flush()
		}
		if len(parts) == 0 {
			start = w.Start
		}
		parts = append(parts, token)
		end = w.End

		if strings.HasSuffix(token, ".") || strings.HasSuffix(token, "?") || strings.HasSuffix(token, "!") || len(parts) >= maxWordsPerSegment {
			flush()
		}
	}
	flush()
	return segments
}
