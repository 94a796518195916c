// Package openai implements the recipe structuring collaborator on top of
// the OpenAI chat completions API.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/clipchef/clipchef/internal/core/ports"
)

const DefaultModel = "gpt-4o-mini"

var ErrAPIKeyNotSet = errors.New("OpenAI API key not set")

const systemPromptDE = `Du extrahierst nur Zutaten und Schritte aus Rezept-Texten.

Regeln:
- "title": kurzer Name des Gerichts
- "ingredients": Liste mit Mengenangaben (z.B. "Mehl, 250g", "Eier, 2 Stück")
- "steps": klare Anweisungen in der richtigen Reihenfolge
Antworte ausschließlich mit einem JSON-Objekt mit genau diesen drei Feldern.`

const systemPromptEN = `You extract only ingredients and steps from recipe texts.

Rules:
- "title": short dish name
- "ingredients": list with quantities (e.g. "flour, 250g", "eggs, 2")
- "steps": clear instructions in the right order
Respond with a single JSON object containing exactly these three fields.`

type Structurer struct {
	logger *slog.Logger
	client openai.Client
	model  string
}

var _ ports.Structurer = (*Structurer)(nil)

func NewStructurer(logger *slog.Logger, apiKey, model string, opts ...option.RequestOption) (*Structurer, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if model == "" {
		model = DefaultModel
	}

	return &Structurer{
		logger: logger,
		client: openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:  model,
	}, nil
}

// Structure asks the model for a JSON recipe extracted from the transcript.
// A response that is not valid JSON is permanent: retrying the dominant-cost
// stage on malformed output rarely converges and only burns tokens.
func (s *Structurer) Structure(ctx context.Context, transcript, locale string) (ports.StructuredRecipe, error) {
	system := systemPromptDE
	user := "Extrahiere Titel, Zutaten und Schritte aus: %s"
	if locale == "en" {
		system = systemPromptEN
		user = "Extract title, ingredients and steps from: %s"
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(fmt.Sprintf(user, transcript)),
		},
		MaxTokens:   openai.Int(1000),
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}

	completion, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ports.StructuredRecipe{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return ports.StructuredRecipe{}, errors.New("no completion choices returned")
	}

	content := completion.Choices[0].Message.Content
	s.logger.Info("structured recipe generated",
		"model", string(completion.Model),
		"total_tokens", completion.Usage.TotalTokens)

	var recipe ports.StructuredRecipe
	if err := json.Unmarshal([]byte(content), &recipe); err != nil {
		return ports.StructuredRecipe{}, backoff.Permanent(fmt.Errorf("malformed model response: %w", err))
	}

	return recipe, nil
}
