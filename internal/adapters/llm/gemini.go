package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/PabloGalante/farum-chat/internal/domain"
)

// GeminiConfig selects the genai backend and the models used per call.
type GeminiConfig struct {
	Backend  string // "gemini" (API key) or "vertex"
	APIKey   string
	Project  string
	Location string

	UtilityModel string // titles and memory
	ImageModel   string
	TTSModel     string
	TTSVoice     string
}

// GeminiClient implements domain.CompletionService and domain.SpeechService
// on top of the genai SDK, against either the Gemini API or Vertex AI.
type GeminiClient struct {
	client *genai.Client
	cfg    GeminiConfig
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Backend {
	case "vertex":
		if cfg.Project == "" || cfg.Location == "" {
			return nil, fmt.Errorf("project and location must be set for Vertex AI")
		}
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	default:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("an API key must be set for the Gemini API")
		}
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}

	if cfg.UtilityModel == "" {
		cfg.UtilityModel = string(domain.ModelFlashLite)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &GeminiClient{client: client, cfg: cfg}, nil
}

// StreamTurn implements domain.CompletionService.
func (g *GeminiClient) StreamTurn(ctx context.Context, req domain.TurnRequest) iter.Seq2[string, error] {
	// 1) History (user / model) as conversation
	contents := toContents(historyForModel(req.History))

	// 2) Current user message
	contents = append(contents, genai.NewContentFromText(req.Text, genai.RoleUser))

	// 3) Model config
	temp := float32(0.7)
	topP := float32(0.9)

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(BuildSystemPrompt(req.Memory), genai.RoleUser),
		Temperature:       &temp,
		TopP:              &topP,
		MaxOutputTokens:   8192,
	}

	model := string(req.Model)
	if model == "" {
		model = string(domain.ModelFlash)
	}

	return func(yield func(string, error) bool) {
		for res, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				yield("", fmt.Errorf("gemini stream: %w", err))
				return
			}
			text := res.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

// EditOrGenerateImage implements domain.CompletionService.
func (g *GeminiClient) EditOrGenerateImage(ctx context.Context, prompt string, image *domain.Attachment) (*domain.EditResult, error) {
	parts := []*genai.Part{genai.NewPartFromText(prompt)}
	if image != nil && len(image.Data) > 0 {
		parts = append(parts, genai.NewPartFromBytes(image.Data, image.MIMEType))
	}

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	res, err := g.client.Models.GenerateContent(ctx, g.cfg.ImageModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini image edit: %w", err)
	}

	out := &domain.EditResult{}
	var text strings.Builder
	for _, p := range responseParts(res) {
		if p.Text != "" && !p.Thought {
			text.WriteString(p.Text)
		}
		if p.InlineData != nil && len(p.InlineData.Data) > 0 {
			out.Image = &domain.Attachment{
				MIMEType: p.InlineData.MIMEType,
				Data:     p.InlineData.Data,
			}
		}
	}
	out.Text = text.String()
	return out, nil
}

// SummarizeTitle implements domain.CompletionService.
func (g *GeminiClient) SummarizeTitle(ctx context.Context, text string) (string, error) {
	res, err := g.client.Models.GenerateContent(ctx, g.cfg.UtilityModel, genai.Text(BuildTitlePrompt(text)), nil)
	if err != nil {
		return "", fmt.Errorf("gemini title: %w", err)
	}
	return CleanTitle(res.Text()), nil
}

// RefineMemory implements domain.CompletionService.
func (g *GeminiClient) RefineMemory(ctx context.Context, memory, userText, modelText string) (string, error) {
	prompt := BuildMemoryPrompt(memory, userText, modelText)
	res, err := g.client.Models.GenerateContent(ctx, g.cfg.UtilityModel, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini memory: %w", err)
	}
	return strings.TrimSpace(res.Text()), nil
}

func (g *GeminiClient) speechConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: g.cfg.TTSVoice},
			},
		},
	}
}

// Synthesize implements domain.SpeechService. The payload is 24kHz 16-bit PCM.
func (g *GeminiClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	res, err := g.client.Models.GenerateContent(ctx, g.cfg.TTSModel, genai.Text(text), g.speechConfig())
	if err != nil {
		return nil, fmt.Errorf("gemini tts: %w", err)
	}

	var audio []byte
	for _, p := range responseParts(res) {
		if p.InlineData != nil {
			audio = append(audio, p.InlineData.Data...)
		}
	}
	return audio, nil
}

// SynthesizeStream implements domain.SpeechService.
func (g *GeminiClient) SynthesizeStream(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for res, err := range g.client.Models.GenerateContentStream(ctx, g.cfg.TTSModel, genai.Text(text), g.speechConfig()) {
			if err != nil {
				yield(nil, fmt.Errorf("gemini tts stream: %w", err))
				return
			}
			for _, p := range responseParts(res) {
				if p.InlineData == nil || len(p.InlineData.Data) == 0 {
					continue
				}
				if !yield(p.InlineData.Data, nil) {
					return
				}
			}
		}
	}
}

func toContents(history []*domain.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == domain.RoleModel {
			role = genai.RoleModel
		}

		img, hasImage := m.Image()
		switch {
		case hasImage && len(img.Data) > 0:
			parts := []*genai.Part{genai.NewPartFromBytes(img.Data, img.MIMEType)}
			if m.Text != "" {
				parts = append([]*genai.Part{genai.NewPartFromText(m.Text)}, parts...)
			}
			contents = append(contents, genai.NewContentFromParts(parts, role))
		case hasImage:
			contents = append(contents, genai.NewContentFromText(strings.TrimSpace(m.Text+" "+img.Placeholder), role))
		default:
			contents = append(contents, genai.NewContentFromText(m.Text, role))
		}
	}
	return contents
}

func responseParts(res *genai.GenerateContentResponse) []*genai.Part {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return nil
	}
	return res.Candidates[0].Content.Parts
}
