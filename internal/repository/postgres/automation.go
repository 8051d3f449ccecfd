package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
)

const automationColumns = `id, lead_id, status, messages, total_messages, sent_messages, priority,
	scheduled_for, started_at, completed_at, error, created_at, updated_at`

const messageColumns = `id, automation_id, type, content, ordinal, status, provider_message_id,
	sent_at, error, created_at, updated_at`

type automationRepository struct {
	BaseRepository
}

func NewAutomationRepository(base BaseRepository) repository.AutomationRepository {
	return &automationRepository{base}
}

func (r *automationRepository) Create(ctx context.Context, a *model.Automation) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := `
		INSERT INTO automations (` + automationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.LeadID, a.Status, a.Messages, a.TotalMessages, a.SentMessages, a.Priority,
		a.ScheduledFor, a.StartedAt, a.CompletedAt, a.Error, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return repository.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create automation: %w", err)
	}
	return nil
}

func (r *automationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Automation, error) {
	var a model.Automation
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = $1`
	if err := r.db.GetContext(ctx, &a, query, id); err != nil {
		return nil, notFound(err, "automation")
	}
	return &a, nil
}

func (r *automationRepository) Update(ctx context.Context, a *model.Automation) error {
	return r.CompareAndUpdate(ctx, a)
}

func (r *automationRepository) CompareAndUpdate(ctx context.Context, a *model.Automation, expected ...model.AutomationStatus) error {
	a.UpdatedAt = time.Now()

	query := `
		UPDATE automations
		SET status = $2, messages = $3, total_messages = $4, priority = $5,
			scheduled_for = $6, started_at = $7, completed_at = $8, error = $9, updated_at = $10
		WHERE id = $1
	`
	args := []interface{}{
		a.ID, a.Status, a.Messages, a.TotalMessages, a.Priority,
		a.ScheduledFor, a.StartedAt, a.CompletedAt, a.Error, a.UpdatedAt,
	}
	if len(expected) > 0 {
		query += ` AND status = ANY($11)`
		args = append(args, pq.Array(toStrings(expected)))
	}
	query += ` RETURNING sent_messages`

	err := r.db.QueryRowxContext(ctx, query, args...).Scan(&a.SentMessages)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM automations WHERE id = $1)`, a.ID); err != nil {
			return fmt.Errorf("failed to update automation: %w", err)
		}
		if !exists {
			return fmt.Errorf("automation %s: %w", a.ID, repository.ErrNotFound)
		}
		return fmt.Errorf("automation %s: %w", a.ID, repository.ErrStatusConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update automation: %w", err)
	}
	return nil
}

func automationWhere(f repository.AutomationFilter) *where {
	w := &where{}
	if len(f.Statuses) > 0 {
		w.add("status = ANY(?)", pq.Array(toStrings(f.Statuses)))
	}
	if f.LeadID != nil {
		w.add("lead_id = ?", *f.LeadID)
	}
	if f.StartedBefore != nil {
		w.add("started_at < ?", *f.StartedBefore)
	}
	return w
}

func (r *automationRepository) List(ctx context.Context, f repository.AutomationFilter) ([]*model.Automation, error) {
	w := automationWhere(f)
	query := `SELECT ` + automationColumns + ` FROM automations` + w.String() + ` ORDER BY created_at DESC`
	query += w.page(f.Limit, f.Offset)

	var out []*model.Automation
	if err := r.db.SelectContext(ctx, &out, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list automations: %w", err)
	}
	return out, nil
}

func (r *automationRepository) Count(ctx context.Context, f repository.AutomationFilter) (int, error) {
	w := automationWhere(f)
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM automations`+w.String(), w.args...); err != nil {
		return 0, fmt.Errorf("failed to count automations: %w", err)
	}
	return n, nil
}

// RecordMessage locks the owning automation row so concurrent records for
// the same automation serialize and sent_messages is bumped exactly once per
// ordinal.
func (r *automationRepository) RecordMessage(ctx context.Context, m *model.AutomationMessage) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var locked uuid.UUID
		err := tx.GetContext(ctx, &locked, `SELECT id FROM automations WHERE id = $1 FOR UPDATE`, m.AutomationID)
		if err != nil {
			return notFound(err, "automation")
		}

		var prev string
		err = tx.GetContext(ctx, &prev,
			`SELECT status FROM automation_messages WHERE automation_id = $1 AND ordinal = $2`,
			m.AutomationID, m.Ordinal)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read automation message: %w", err)
		}

		now := time.Now()
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.UpdatedAt = now

		query := `
			INSERT INTO automation_messages (` + messageColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			ON CONFLICT (automation_id, ordinal) DO UPDATE
			SET type = EXCLUDED.type, content = EXCLUDED.content, status = EXCLUDED.status,
				provider_message_id = EXCLUDED.provider_message_id, sent_at = EXCLUDED.sent_at,
				error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
			RETURNING id, created_at
		`
		err = tx.QueryRowxContext(ctx, query,
			m.ID, m.AutomationID, m.Type, m.Content, m.Ordinal, m.Status,
			m.ProviderMessageID, m.SentAt, m.Error, now,
		).Scan(&m.ID, &m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record automation message: %w", err)
		}

		if m.Status == model.MessageStatusSent && prev != string(model.MessageStatusSent) {
			_, err = tx.ExecContext(ctx,
				`UPDATE automations SET sent_messages = sent_messages + 1, updated_at = $2 WHERE id = $1`,
				m.AutomationID, now)
			if err != nil {
				return fmt.Errorf("failed to increment sent count: %w", err)
			}
		}
		return nil
	})
}

func (r *automationRepository) ListMessages(ctx context.Context, automationID uuid.UUID) ([]*model.AutomationMessage, error) {
	var out []*model.AutomationMessage
	query := `SELECT ` + messageColumns + ` FROM automation_messages WHERE automation_id = $1 ORDER BY ordinal`
	if err := r.db.SelectContext(ctx, &out, query, automationID); err != nil {
		return nil, fmt.Errorf("failed to list automation messages: %w", err)
	}
	return out, nil
}
