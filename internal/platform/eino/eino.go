package eino

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	gemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"google.golang.org/genai"
)

// ErrInvalidJSON means the model answered but the answer did not decode.
// Callers distinguish it from transport failures when deciding on retries.
var ErrInvalidJSON = errors.New("invalid JSON response")

// Config represents the configuration for the LLM integration
type Config struct {
	Provider      string `json:"provider"` // "gemini"
	APIKey        string `json:"api_key"`
	Model         string `json:"model"`
	FallbackModel string `json:"fallback_model,omitempty"`
}

// TokenUsage represents token usage information
type TokenUsage struct {
	InputTokens  int32 `json:"input_tokens"`
	OutputTokens int32 `json:"output_tokens"`
	TotalTokens  int32 `json:"total_tokens"`
}

func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Backend is one concrete model endpoint. The production backend talks to
// Gemini; tests substitute their own. Options carry per-call tuning such as
// temperature and max output tokens.
type Backend interface {
	ModelName() string
	Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, *TokenUsage, error)
}

// Service runs every generation against a primary backend and retries once
// against the fallback backend when the primary errors or times out.
type Service struct {
	config   Config
	primary  Backend
	fallback Backend
}

// NewService creates a service with Gemini backends for the configured
// primary/fallback model pair.
func NewService(config Config) (*Service, error) {
	if strings.ToLower(config.Provider) != "gemini" {
		return nil, fmt.Errorf("unsupported provider: %s. Supported: gemini", config.Provider)
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	svc := &Service{config: config}
	svc.primary, err = newGeminiBackend(client, config.Model)
	if err != nil {
		return nil, err
	}
	if config.FallbackModel != "" && config.FallbackModel != config.Model {
		svc.fallback, err = newGeminiBackend(client, config.FallbackModel)
		if err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// NewServiceWithBackends wires explicit backends. Used by tests.
func NewServiceWithBackends(config Config, primary, fallback Backend) *Service {
	return &Service{config: config, primary: primary, fallback: fallback}
}

// Generate runs one model call with a hard deadline. The fallback model is
// tried once when the primary fails; a deadline that already expired is not
// retried. The name of the model that produced the answer is returned so
// callers can record it.
func (s *Service) Generate(ctx context.Context, messages []*schema.Message, timeout time.Duration, opts ...model.Option) (*schema.Message, *TokenUsage, string, error) {
	if s.primary == nil {
		return nil, nil, "", fmt.Errorf("chat model not initialized")
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, usage, err := s.primary.Generate(callCtx, messages, opts...)
	if err == nil {
		return resp, usage, s.primary.ModelName(), nil
	}
	if s.fallback == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, nil, "", err
	}

	fbCtx, fbCancel := context.WithTimeout(ctx, timeout)
	defer fbCancel()

	resp, usage, fbErr := s.fallback.Generate(fbCtx, messages, opts...)
	if fbErr != nil {
		return nil, nil, "", fmt.Errorf("primary model failed (%v); fallback failed: %w", err, fbErr)
	}
	return resp, usage, s.fallback.ModelName(), nil
}

// GenerateJSON runs Generate and decodes the response into dest after
// stripping markdown fences.
func (s *Service) GenerateJSON(ctx context.Context, messages []*schema.Message, timeout time.Duration, dest interface{}, opts ...model.Option) (*TokenUsage, string, error) {
	resp, usage, modelUsed, err := s.Generate(ctx, messages, timeout, opts...)
	if err != nil {
		return nil, "", err
	}
	if err := json.Unmarshal([]byte(CleanJSONResponse(resp.Content)), dest); err != nil {
		return usage, modelUsed, fmt.Errorf("%w from %s: %v", ErrInvalidJSON, modelUsed, err)
	}
	return usage, modelUsed, nil
}

// CleanJSONResponse strips markdown code fences the models like to wrap
// JSON in.
func CleanJSONResponse(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}

// geminiBackend generates through the eino chat model. Multimodal messages
// drop down to the genai client directly, because image parts ride as file
// URIs there and UsageMetadata stays available.
type geminiBackend struct {
	client    *genai.Client
	chatModel model.BaseChatModel
	model     string
}

func newGeminiBackend(client *genai.Client, modelName string) (*geminiBackend, error) {
	chatModel, err := gemini.NewChatModel(context.Background(), &gemini.Config{
		Client: client,
		Model:  modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini chat model %s: %w", modelName, err)
	}
	return &geminiBackend{client: client, chatModel: chatModel, model: modelName}, nil
}

func (b *geminiBackend) ModelName() string { return b.model }

func (b *geminiBackend) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, *TokenUsage, error) {
	if hasImageParts(messages) {
		return b.generateMultimodal(ctx, messages, opts...)
	}

	resp, err := b.chatModel.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("gemini generation failed: %w", err)
	}

	usage := &TokenUsage{}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		usage.InputTokens = int32(resp.ResponseMeta.Usage.PromptTokens)
		usage.OutputTokens = int32(resp.ResponseMeta.Usage.CompletionTokens)
		usage.TotalTokens = int32(resp.ResponseMeta.Usage.TotalTokens)
	}
	if usage.TotalTokens == 0 {
		usage.InputTokens = estimateTokens(messagesToText(messages))
		usage.OutputTokens = estimateTokens(resp.Content)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return resp, usage, nil
}

func (b *geminiBackend) generateMultimodal(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, *TokenUsage, error) {
	contents, err := toGenaiContents(messages)
	if err != nil {
		return nil, nil, err
	}

	response, err := b.client.Models.GenerateContent(ctx, b.model, contents, generationConfig(opts))
	if err != nil {
		return nil, nil, fmt.Errorf("gemini api generation failed: %w", err)
	}

	usage := &TokenUsage{}
	if response.UsageMetadata != nil {
		usage.InputTokens = response.UsageMetadata.PromptTokenCount
		usage.OutputTokens = response.UsageMetadata.CandidatesTokenCount
		usage.TotalTokens = response.UsageMetadata.TotalTokenCount
	}

	responseContent := ""
	if len(response.Candidates) > 0 && response.Candidates[0].Content != nil && len(response.Candidates[0].Content.Parts) > 0 {
		if textPart := response.Candidates[0].Content.Parts[0].Text; textPart != "" {
			responseContent = textPart
		}
	}

	// Fallback estimation when metadata is missing (~4 chars per token)
	if usage.TotalTokens == 0 {
		usage.InputTokens = estimateTokens(messagesToText(messages))
		usage.OutputTokens = estimateTokens(responseContent)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	return &schema.Message{Role: schema.Assistant, Content: responseContent}, usage, nil
}

func hasImageParts(messages []*schema.Message) bool {
	for _, msg := range messages {
		for _, part := range msg.MultiContent {
			if part.Type == schema.ChatMessagePartTypeImageURL {
				return true
			}
		}
	}
	return false
}

// generationConfig maps eino call options onto the genai config for the
// direct-API path.
func generationConfig(opts []model.Option) *genai.GenerateContentConfig {
	o := model.GetCommonOptions(&model.Options{}, opts...)
	if o.Temperature == nil && o.MaxTokens == nil {
		return nil
	}
	cfg := &genai.GenerateContentConfig{}
	if o.Temperature != nil {
		cfg.Temperature = o.Temperature
	}
	if o.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*o.MaxTokens)
	}
	return cfg
}

// toGenaiContents converts eino messages, including multimodal image parts,
// to Gemini content.
func toGenaiContents(messages []*schema.Message) ([]*genai.Content, error) {
	var contents []*genai.Content
	for _, msg := range messages {
		if len(msg.MultiContent) == 0 {
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
			continue
		}
		var parts []*genai.Part
		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeText:
				parts = append(parts, genai.NewPartFromText(part.Text))
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				mime := part.ImageURL.MIMEType
				if mime == "" {
					mime = "image/jpeg"
				}
				parts = append(parts, genai.NewPartFromURI(part.ImageURL.URL, mime))
			default:
				return nil, fmt.Errorf("unsupported message part type: %s", part.Type)
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return contents, nil
}

func estimateTokens(text string) int32 {
	return int32(len(text) / 4)
}

func messagesToText(messages []*schema.Message) string {
	var text strings.Builder
	for _, msg := range messages {
		text.WriteString(msg.Content)
		text.WriteString("\n")
	}
	return text.String()
}
