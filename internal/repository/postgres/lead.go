package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
)

type leadRepository struct {
	BaseRepository
}

func NewLeadRepository(base BaseRepository) repository.LeadRepository {
	return &leadRepository{base}
}

func (r *leadRepository) Get(ctx context.Context, id uuid.UUID) (*model.Lead, error) {
	var l model.Lead
	query := `
		SELECT id, name, phone, email, source, capture_count, requested_human_contact,
			interested_products, created_at, updated_at
		FROM leads WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &l, query, id); err != nil {
		return nil, notFound(err, "lead")
	}
	return &l, nil
}

func (r *leadRepository) Upsert(ctx context.Context, l *model.Lead) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now()
	l.UpdatedAt = now
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}

	query := `
		INSERT INTO leads (id, name, phone, email, source, capture_count, requested_human_contact,
			interested_products, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, phone = EXCLUDED.phone, email = EXCLUDED.email,
			source = EXCLUDED.source, capture_count = EXCLUDED.capture_count,
			requested_human_contact = EXCLUDED.requested_human_contact,
			interested_products = EXCLUDED.interested_products, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		l.ID, l.Name, l.Phone, l.Email, l.Source, l.CaptureCount, l.RequestedHumanContact,
		l.InterestedProducts, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert lead: %w", err)
	}
	return nil
}

type catalogRepository struct {
	BaseRepository
}

func NewCatalogRepository(base BaseRepository) repository.CatalogRepository {
	return &catalogRepository{base}
}

const productColumns = `id, name, description, images, videos, specifications, created_at, updated_at`

func (r *catalogRepository) ListProducts(ctx context.Context) ([]*model.Product, error) {
	var out []*model.Product
	if err := r.db.SelectContext(ctx, &out, `SELECT `+productColumns+` FROM products ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	return out, nil
}

func (r *catalogRepository) GetProduct(ctx context.Context, id uuid.UUID) (*model.Product, error) {
	var p model.Product
	if err := r.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "product")
	}
	return &p, nil
}

func (r *catalogRepository) UpsertProduct(ctx context.Context, p *model.Product) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := time.Now()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	query := `
		INSERT INTO products (` + productColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description, images = EXCLUDED.images,
			videos = EXCLUDED.videos, specifications = EXCLUDED.specifications,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Description, p.Images, p.Videos, p.Specifications, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}
	return nil
}

type templateRepository struct {
	BaseRepository
}

func NewTemplateRepository(base BaseRepository) repository.TemplateRepository {
	return &templateRepository{base}
}

const templateColumns = `id, name, trigger, content, media, active, created_at, updated_at`

func (r *templateRepository) Get(ctx context.Context, id uuid.UUID) (*model.MessageTemplate, error) {
	var t model.MessageTemplate
	if err := r.db.GetContext(ctx, &t, `SELECT `+templateColumns+` FROM message_templates WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "message template")
	}
	return &t, nil
}

func (r *templateRepository) FindActiveByTrigger(ctx context.Context, trigger model.Trigger) (*model.MessageTemplate, error) {
	var t model.MessageTemplate
	query := `
		SELECT ` + templateColumns + `
		FROM message_templates
		WHERE trigger = $1 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`
	if err := r.db.GetContext(ctx, &t, query, trigger); err != nil {
		return nil, notFound(err, "message template")
	}
	return &t, nil
}

func (r *templateRepository) Upsert(ctx context.Context, t *model.MessageTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now()
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	query := `
		INSERT INTO message_templates (` + templateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, trigger = EXCLUDED.trigger, content = EXCLUDED.content,
			media = EXCLUDED.media, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Trigger, t.Content, t.Media, t.Active, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message template: %w", err)
	}
	return nil
}
