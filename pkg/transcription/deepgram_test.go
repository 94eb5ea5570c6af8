package transcription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-ads/pkg/domain"
	"podcast-ads/pkg/logger"
)

const utteranceResponse = `{
  "metadata": {"request_id": "req-1", "duration": 20.5},
  "results": {
    "channels": [{"alternatives": [{"transcript": "ignored", "words": []}]}],
    "utterances": [
      {"start": 7.2, "end": 20.5, "transcript": "Use code PODCAST for 20% off."},
      {"start": 0.0, "end": 7.0, "transcript": " Welcome back to the show. "},
      {"start": 7.0, "end": 7.0, "transcript": "um"}
    ]
  }
}`

func TestDeepgramTranscriber_Utterances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "true", r.URL.Query().Get("utterances"))
		assert.Equal(t, "nova-2", r.URL.Query().Get("model"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.example.com/ep.mp3", body["url"])

		_, _ = w.Write([]byte(utteranceResponse))
	}))
	defer server.Close()

	tr, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "dg-key", APIURL: server.URL, Model: "nova-2"}, logger.Discard())
	require.NoError(t, err)

	segments, err := tr.Transcribe(context.Background(), "https://cdn.example.com/ep.mp3")
	require.NoError(t, err)
	assert.Equal(t, []domain.TranscriptSegment{
		{Start: 0, End: 7, Text: "Welcome back to the show."},
		{Start: 7.2, End: 20.5, Text: "Use code PODCAST for 20% off."},
	}, segments)
}

func TestDeepgramTranscriber_ProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"err_msg":"Invalid credentials."}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	tr, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "bad", APIURL: server.URL}, logger.Discard())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "https://cdn.example.com/ep.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestDeepgramTranscriber_NoSpeech(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": {"channels": [], "utterances": []}}`))
	}))
	defer server.Close()

	tr, err := NewDeepgramTranscriber(DeepgramConfig{APIKey: "k", APIURL: server.URL}, logger.Discard())
	require.NoError(t, err)

	_, err = tr.Transcribe(context.Background(), "https://cdn.example.com/ep.mp3")
	assert.ErrorIs(t, err, ErrNoSpeech)
}

func TestNewDeepgramTranscriber_RequiresKey(t *testing.T) {
	_, err := NewDeepgramTranscriber(DeepgramConfig{}, logger.Discard())
	assert.Error(t, err)
}

func TestGroupWords(t *testing.T) {
	words := []deepgramWord{
		{Word: "welcome", PunctuatedWord: "Welcome", Start: 0, End: 0.4},
		{Word: "back", PunctuatedWord: "back.", Start: 0.4, End: 0.8},
		{Word: "today", PunctuatedWord: "Today", Start: 1.0, End: 1.3},
		{Word: "we", PunctuatedWord: "we", Start: 1.3, End: 1.5},
		{Word: "after", PunctuatedWord: "After", Start: 5.0, End: 5.4},
		{Word: "pause", Start: 5.4, End: 5.9},
	}

	assert.Equal(t, []domain.TranscriptSegment{
		{Start: 0, End: 0.8, Text: "Welcome back."},
		{Start: 1.0, End: 1.5, Text: "Today we"},
		{Start: 5.0, End: 5.9, Text: "After pause"},
	}, groupWords(words))
}

func TestSegmentsFromResponse_FallsBackToWords(t *testing.T) {
	var resp deepgramResponse
	require.NoError(t, json.Unmarshal([]byte(`{"results": {"channels": [{"alternatives": [{"words": [
		{"word": "hello", "punctuated_word": "Hello.", "start": 0.5, "end": 0.9}
	]}]}]}}`), &resp))

	assert.Equal(t, []domain.TranscriptSegment{{Start: 0.5, End: 0.9, Text: "Hello."}}, segmentsFromResponse(&resp))
}

func TestSegmentsFromResponse_OverlappingUtterancesKeepEndsOrdered(t *testing.T) {
	var resp deepgramResponse
	require.NoError(t, json.Unmarshal([]byte(`{"results": {"utterances": [
		{"start": 0.0, "end": 30.0, "transcript": "Welcome back to the show."},
		{"start": 12.0, "end": 14.0, "transcript": "Mm-hmm."},
		{"start": 29.0, "end": 31.0, "transcript": "Thanks."}
	]}}`), &resp))

	segments := segmentsFromResponse(&resp)
	require.Len(t, segments, 3)
	assert.Equal(t, domain.TranscriptSegment{Start: 12.0, End: 30.0, Text: "Mm-hmm."}, segments[1])
	assert.Equal(t, 31.0, segments[2].End)
	for i := 1; i < len(segments); i++ {
		assert.GreaterOrEqual(t, segments[i].End, segments[i-1].End)
	}
}
