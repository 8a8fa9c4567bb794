package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultModel is used when no model name is configured
const DefaultModel = "gemini-2.5-flash"

// generator is the part of the GenAI client the summarizer uses
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAISummarizer asks a Gemini model for a structured JSON summary
type GenAISummarizer struct {
	models generator
	model  string
}

// NewGenAISummarizer creates a summarizer backed by the Gemini API
func NewGenAISummarizer(ctx context.Context, apiKey, model string) (*GenAISummarizer, error) {
	if apiKey == "" {
		return nil, errors.New("GenAI API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return newGenAISummarizer(client.Models, model), nil
}

func newGenAISummarizer(models generator, model string) *GenAISummarizer {
	if model == "" {
		model = DefaultModel
	}
	return &GenAISummarizer{models: models, model: model}
}

var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"message":        {Type: genai.TypeString, Description: "Short safety status"},
		"recommendation": {Type: genai.TypeString, Description: "Suggested technical action"},
		"riskLevel":      {Type: genai.TypeString, Enum: []string{"safe", "caution", "danger"}},
	},
	Required: []string{"message", "recommendation", "riskLevel"},
}

func prompt(s State) string {
	onOff := func(b bool) string {
		if b {
			return "ON"
		}
		return "off"
	}
	battery := "unknown"
	if s.BeaconBattery >= 0 {
		battery = fmt.Sprintf("%d%%", s.BeaconBattery)
	}
	gps := "off"
	if s.HasLocation {
		gps = "active"
	}

	var b strings.Builder
	b.WriteString("Act as the safety system of a child tracker.\n\n")
	b.WriteString("BEACON (wearable):\n")
	fmt.Fprintf(&b, "- Link connected: %t\n", s.BeaconConnected)
	fmt.Fprintf(&b, "- Battery: %s\n", battery)
	fmt.Fprintf(&b, "- Alarm buzzer: %s\n", onOff(s.BuzzerOn))
	fmt.Fprintf(&b, "- LED: %s\n\n", onOff(s.LEDOn))
	b.WriteString("CHILD PHONE:\n")
	fmt.Fprintf(&b, "- Online: %t\n", s.ChildOnline)
	fmt.Fprintf(&b, "- Battery: %d%%\n", s.PhoneBattery)
	fmt.Fprintf(&b, "- GPS: %s\n", gps)
	fmt.Fprintf(&b, "- SOS raised: %t\n\n", s.SOS)
	b.WriteString("Give a short analysis of the child's safety based on connection and device status.")
	return b.String()
}

// Summarize asks the model once; any failure is returned to the caller
func (g *GenAISummarizer) Summarize(ctx context.Context, s State) (Result, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt(s)), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema,
	})
	if err != nil {
		return Result{}, fmt.Errorf("GenAI request failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Result{}, errors.New("empty GenAI response")
	}
	// Some models still wrap JSON in a markdown fence
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw struct {
		Message        string `json:"message"`
		Recommendation string `json:"recommendation"`
		RiskLevel      string `json:"riskLevel"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return Result{}, fmt.Errorf("malformed GenAI response: %w", err)
	}
	level, err := ParseRiskLevel(raw.RiskLevel)
	if err != nil {
		return Result{}, err
	}
	if raw.Message == "" {
		return Result{}, errors.New("GenAI response has no message")
	}
	return Result{
		Message:        raw.Message,
		Recommendation: raw.Recommendation,
		RiskLevel:      level,
		Source:         g.model,
	}, nil
}
