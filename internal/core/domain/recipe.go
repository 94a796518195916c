package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrRecipeNotFound = errors.New("recipe not found")

// Recipe is the structured output of a successful pipeline run.
type Recipe struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	SourceURL   string    `json:"source_url"`
	Locale      string    `json:"locale"`
	Title       string    `json:"title"`
	Ingredients []string  `json:"ingredients"`
	Steps       []string  `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
}
