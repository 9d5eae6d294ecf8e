package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Prompt is what the language model is asked to produce.
type Prompt struct {
	QuestionType string
	Count        int
	SourceText   string
	Topic        string
}

// QuestionGenerator produces assessment questions from a prompt.
type QuestionGenerator interface {
	Generate(ctx context.Context, prompt Prompt) ([]Question, error)
	Model() string
}

const systemPrompt = `You write assessment questions. Respond with a JSON object
{"questions":[{"prompt":"...","choices":["..."],"answer":"..."}]}.
Omit "choices" for question types that have none. Produce exactly the
requested number of questions, no commentary.`

type openaiGenerator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIGenerator creates a QuestionGenerator backed by the OpenAI
// chat completions API.
func NewOpenAIGenerator(apiKey, model string, timeout time.Duration) QuestionGenerator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openaiGenerator{
		client:  openai.NewClient(apiKey),
		model:   model,
		timeout: timeout,
	}
}

func (g *openaiGenerator) Model() string {
	return g.model
}

func (g *openaiGenerator) Generate(ctx context.Context, prompt Prompt) ([]Question, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	user := fmt.Sprintf("Write %d %s questions", prompt.Count, prompt.QuestionType)
	if prompt.Topic != "" {
		user += " about " + prompt.Topic
	}
	if prompt.SourceText != "" {
		user += " based on the following material:\n\n" + prompt.SourceText
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var payload struct {
		Questions []Question `json:"questions"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return nil, fmt.Errorf("parse completion: %w", err)
	}
	if len(payload.Questions) == 0 {
		return nil, fmt.Errorf("completion contained no questions")
	}
	return payload.Questions, nil
}
