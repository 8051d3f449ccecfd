package cached

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/internal/repository/memory"
)

type countingTemplates struct {
	repository.TemplateRepository
	lookups int
}

func (c *countingTemplates) FindActiveByTrigger(ctx context.Context, trigger model.Trigger) (*model.MessageTemplate, error) {
	c.lookups++
	return c.TemplateRepository.FindActiveByTrigger(ctx, trigger)
}

func TestTemplateRepository_CachesHitsAndMisses(t *testing.T) {
	ctx := context.Background()
	inner := &countingTemplates{TemplateRepository: memory.NewStore(nil).Templates()}
	repo := NewTemplateRepository(inner, time.Minute)

	_, err := repo.FindActiveByTrigger(ctx, model.TriggerRecurrence)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = repo.FindActiveByTrigger(ctx, model.TriggerRecurrence)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, 1, inner.lookups)

	tpl := &model.MessageTemplate{Name: "again", Trigger: model.TriggerRecurrence, Content: "Hi again", Active: true}
	require.NoError(t, repo.Upsert(ctx, tpl))

	got, err := repo.FindActiveByTrigger(ctx, model.TriggerRecurrence)
	require.NoError(t, err)
	assert.Equal(t, "Hi again", got.Content)
	_, err = repo.FindActiveByTrigger(ctx, model.TriggerRecurrence)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.lookups)
}

func TestCatalogRepository_InvalidatesOnUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewCatalogRepository(memory.NewStore(nil).Catalog(), time.Minute)

	require.NoError(t, repo.UpsertProduct(ctx, &model.Product{Name: "Sofa"}))
	products, err := repo.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)

	products[0].Name = "mutated"
	require.NoError(t, repo.UpsertProduct(ctx, &model.Product{Name: "Table"}))

	products, err = repo.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Sofa", products[0].Name)
}
