package speechlink

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/ultradaoto/hybrid-coach-sub004/internal/role"
)

// DeepgramOptions configures a transcription link against the Deepgram
// streaming endpoint. Defaults mirror the query parameters used across the
// pack's Deepgram integrations (model/encoding/sample_rate/interim_results).
type DeepgramOptions struct {
	APIKey       string
	BaseURL      string // defaults to wss://api.deepgram.com/v1/listen
	Model        string // defaults to "nova-2"
	Language     string // defaults to "en-US"
	SampleRate   int    // defaults to 24000, matching C5's fixed egress rate
	Interim      bool
	SmartFormat  bool
}

func deepgramURL(opts DeepgramOptions) string {
	base := opts.BaseURL
	if base == "" {
		base = "wss://api.deepgram.com/v1/listen"
	}
	model := opts.Model
	if model == "" {
		model = "nova-2"
	}
	language := opts.Language
	if language == "" {
		language = "en-US"
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 24000
	}

	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", sampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", fmt.Sprintf("%t", opts.Interim))
	q.Set("smart_format", fmt.Sprintf("%t", opts.SmartFormat))
	u.RawQuery = q.Encode()
	return u.String()
}

// deepgramEnvelope covers both shapes observed across the pack's Deepgram
// clients: a flat {"type":"transcript",...} shape (spec §6's documented
// wire format) and Deepgram's actual nested channel.alternatives shape.
type deepgramEnvelope struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Channel *struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	SpeechFinal bool `json:"speech_final"`
}

func parseDeepgramMessage(data []byte) (Event, bool) {
	var env deepgramEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false
	}

	if strings.EqualFold(env.Type, "transcript") && env.Text != "" {
		return Event{Kind: TranscriptDelta, Role: role.Client, Text: env.Text, IsFinal: env.IsFinal}, true
	}

	if env.Channel != nil && len(env.Channel.Alternatives) > 0 {
		text := strings.TrimSpace(env.Channel.Alternatives[0].Transcript)
		if text == "" {
			return Event{}, false
		}
		isFinal := env.IsFinal || env.SpeechFinal
		return Event{Kind: TranscriptDelta, Role: role.Client, Text: text, IsFinal: isFinal}, true
	}

	return Event{}, false
}

// ParseProviderTranscript decodes an inbound transcription-link text message
// under either the flat spec §6 shape ({"type":"transcript",...}) or
// Deepgram's nested channel.alternatives shape. Exported so a generic
// (non-Deepgram) transcription endpoint can reuse the same parser.
func ParseProviderTranscript(data []byte) (Event, bool) {
	return parseDeepgramMessage(data)
}

// DeepgramConfig builds the TranscriptionConfig + ResponseParser pair for
// NewWSTranscriptionLink, targeting the Deepgram streaming endpoint.
func DeepgramConfig(opts DeepgramOptions) (TranscriptionConfig, ResponseParser) {
	return TranscriptionConfig{
		URL:        deepgramURL(opts),
		APIKey:     opts.APIKey,
		AuthScheme: "Token",
	}, parseDeepgramMessage
}
