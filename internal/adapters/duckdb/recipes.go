package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clipchef/clipchef/internal/core/domain"
)

// SaveRecipe persists a structured recipe produced by the pipeline.
func (r *Repository) SaveRecipe(ctx context.Context, recipe domain.Recipe) error {
	ingredients, err := json.Marshal(recipe.Ingredients)
	if err != nil {
		return fmt.Errorf("marshal ingredients: %w", err)
	}
	steps, err := json.Marshal(recipe.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO recipes (id, owner_id, source_url, locale, title, ingredients, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		recipe.ID.String(),
		recipe.OwnerID.String(),
		recipe.SourceURL,
		recipe.Locale,
		recipe.Title,
		string(ingredients),
		string(steps),
		recipe.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert recipe: %w", err)
	}
	return nil
}

// GetRecipe retrieves a recipe by ID.
func (r *Repository) GetRecipe(ctx context.Context, id uuid.UUID) (domain.Recipe, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, source_url, locale, title, ingredients, steps, created_at
		FROM recipes WHERE id = ?`, id.String())

	var (
		recipe      domain.Recipe
		recipeID    string
		ownerID     string
		ingredients string
		steps       string
	)

	err := row.Scan(&recipeID, &ownerID, &recipe.SourceURL, &recipe.Locale, &recipe.Title, &ingredients, &steps, &recipe.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipe{}, domain.ErrRecipeNotFound
	}
	if err != nil {
		return domain.Recipe{}, fmt.Errorf("get recipe: %w", err)
	}

	if recipe.ID, err = parseUUID(recipeID); err != nil {
		return domain.Recipe{}, err
	}
	if recipe.OwnerID, err = parseUUID(ownerID); err != nil {
		return domain.Recipe{}, err
	}
	if err := json.Unmarshal([]byte(ingredients), &recipe.Ingredients); err != nil {
		return domain.Recipe{}, fmt.Errorf("unmarshal ingredients: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &recipe.Steps); err != nil {
		return domain.Recipe{}, fmt.Errorf("unmarshal steps: %w", err)
	}

	return recipe, nil
}
