// Package cached wraps read-mostly repositories with a go-cache layer.
package cached

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
)

type templateRepository struct {
	next  repository.TemplateRepository
	cache *cache.Cache
}

// NewTemplateRepository caches template lookups for ttl. Upsert invalidates.
func NewTemplateRepository(next repository.TemplateRepository, ttl time.Duration) repository.TemplateRepository {
	return &templateRepository{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (r *templateRepository) Get(ctx context.Context, id uuid.UUID) (*model.MessageTemplate, error) {
	key := "id:" + id.String()
	if v, found := r.cache.Get(key); found {
		t := *v.(*model.MessageTemplate)
		return &t, nil
	}
	t, err := r.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c := *t
	r.cache.Set(key, &c, cache.DefaultExpiration)
	return t, nil
}

func (r *templateRepository) FindActiveByTrigger(ctx context.Context, trigger model.Trigger) (*model.MessageTemplate, error) {
	key := "trigger:" + string(trigger)
	if v, found := r.cache.Get(key); found {
		if v == nil {
			return nil, repository.ErrNotFound
		}
		t := *v.(*model.MessageTemplate)
		return &t, nil
	}
	t, err := r.next.FindActiveByTrigger(ctx, trigger)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Misses are cached too so fallback triggers do not hit the store
			// on every send.
			r.cache.Set(key, nil, cache.DefaultExpiration)
		}
		return nil, err
	}
	c := *t
	r.cache.Set(key, &c, cache.DefaultExpiration)
	return t, nil
}

func (r *templateRepository) Upsert(ctx context.Context, t *model.MessageTemplate) error {
	if err := r.next.Upsert(ctx, t); err != nil {
		return err
	}
	r.cache.Flush()
	return nil
}

type catalogRepository struct {
	next  repository.CatalogRepository
	cache *cache.Cache
}

const productsKey = "products"

// NewCatalogRepository caches the product list for ttl.
func NewCatalogRepository(next repository.CatalogRepository, ttl time.Duration) repository.CatalogRepository {
	return &catalogRepository{next: next, cache: cache.New(ttl, 2*ttl)}
}

func (r *catalogRepository) ListProducts(ctx context.Context) ([]*model.Product, error) {
	if v, found := r.cache.Get(productsKey); found {
		return copyProducts(v.([]*model.Product)), nil
	}
	products, err := r.next.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.Set(productsKey, copyProducts(products), cache.DefaultExpiration)
	return products, nil
}

func (r *catalogRepository) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	return r.next.GetProduct(ctx, id)
}

func (r *catalogRepository) UpsertProduct(ctx context.Context, p *model.Product) error {
	if err := r.next.UpsertProduct(ctx, p); err != nil {
		return err
	}
	r.cache.Delete(productsKey)
	return nil
}

func copyProducts(in []*model.Product) []*model.Product {
	out := make([]*model.Product, len(in))
	for i, p := range in {
		c := *p
		out[i] = &c
	}
	return out
}
