package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultElevenLabsModel = "eleven_flash_v2_5"
	defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
)

// qualityModels maps engine quality tiers onto ElevenLabs models.
var qualityModels = map[string]string{
	"fast":     "eleven_flash_v2_5",
	"balanced": "eleven_turbo_v2_5",
	"high":     "eleven_multilingual_v2",
}

// ElevenLabsSynth calls the ElevenLabs text-to-speech REST API and asks for raw PCM.
type ElevenLabsSynth struct {
	endpoint   string
	apiKey     string
	modelID    string
	sampleRate int
	httpClient *http.Client
}

type ElevenLabsConfig struct {
	Endpoint   string
	APIKey     string
	Quality    string
	SampleRate int
	Transport  http.RoundTripper
}

func NewElevenLabsSynth(cfg ElevenLabsConfig) *ElevenLabsSynth {
	modelID, ok := qualityModels[cfg.Quality]
	if !ok {
		modelID = defaultElevenLabsModel
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &ElevenLabsSynth{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		modelID:    modelID,
		sampleRate: cfg.SampleRate,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(transport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "elevenlabs " + r.Method
			}),
		)},
	}
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

func (c *ElevenLabsSynth) Synthesize(ctx context.Context, text, voice string, speed float64) (Audio, error) {
	if voice == "" {
		voice = defaultElevenLabsVoice
	}
	url := fmt.Sprintf("%s/%s?output_format=pcm_%d", c.endpoint, voice, c.sampleRate)

	body, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: c.modelID,
		VoiceSettings: voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Speed:           speed,
		},
	})
	if err != nil {
		return Audio{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Audio{}, fmt.Errorf("ElevenLabs API error: %s - %s", resp.Status, string(respBody))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read audio: %w", err)
	}
	return Audio{PCM: pcm, SampleRate: c.sampleRate, Channels: 1}, nil
}
