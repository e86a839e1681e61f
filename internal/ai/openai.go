package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openAIConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	Dimensions int    `json:"dimensions"`
}

type openAIEmbedProvider struct {
	name       string
	apiKey     string
	client     *openai.Client
	dimensions int
}

func newOpenAIEmbedProvider(name, apiKey, baseURL string, dimensions int, httpClient *http.Client) *openAIEmbedProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &openAIEmbedProvider{
		name:       name,
		apiKey:     apiKey,
		client:     openai.NewClientWithConfig(cfg),
		dimensions: dimensions,
	}
}

func (p *openAIEmbedProvider) Name() string {
	return p.name
}

func (p *openAIEmbedProvider) Embed(ctx context.Context, model string, text string, taskType string) ([]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("cannot embed empty text")
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(model),
		Input:      []string{text},
		Dimensions: p.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%s embedding request failed: %w", p.name, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%s response has no embeddings", p.name)
	}
	raw := resp.Data[0].Embedding
	out := make([]float32, len(raw))
	for i := range raw {
		out[i] = float32(raw[i])
	}
	return out, nil
}

func createOpenAIEmbedFactory(args interface{}) (IEmbedProvider, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return newOpenAIEmbedProvider("openai", strings.TrimSpace(cfg.APIKey), baseURL, cfg.Dimensions, nil), nil
}

func init() {
	RegisterEmbed("openai", createOpenAIEmbedFactory)
}
