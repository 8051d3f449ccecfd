package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/crm-outbound/internal/model"
	"github.com/jwalitptl/crm-outbound/internal/repository"
	"github.com/jwalitptl/crm-outbound/pkg/security"
)

const webhookColumns = `id, owner_id, url, secret, events, status, max_retries, retry_delay_ms,
	consecutive_failures, success_count, failure_count, last_triggered_at, created_at, updated_at`

type webhookRepository struct {
	BaseRepository
	enc security.Encryptor
}

// NewWebhookRepository stores secrets sealed with enc; a nil enc stores them
// as given.
func NewWebhookRepository(base BaseRepository, enc security.Encryptor) repository.WebhookRepository {
	return &webhookRepository{BaseRepository: base, enc: enc}
}

func (r *webhookRepository) seal(secret string) (string, error) {
	if r.enc == nil {
		return secret, nil
	}
	return r.enc.EncryptString(secret)
}

func (r *webhookRepository) open(w *model.Webhook) error {
	if r.enc == nil || w.Secret == "" {
		return nil
	}
	plain, err := r.enc.DecryptString(w.Secret)
	if err != nil {
		return fmt.Errorf("webhook %s secret: %w", w.ID, err)
	}
	w.Secret = plain
	return nil
}

func (r *webhookRepository) Create(ctx context.Context, w *model.Webhook) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now

	sealed, err := r.seal(w.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal webhook secret: %w", err)
	}

	query := `
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.ExecContext(ctx, query,
		w.ID, w.OwnerID, w.URL, sealed, w.Events, w.Status, w.MaxRetries, w.RetryDelayMs,
		w.ConsecutiveFailures, w.SuccessCount, w.FailureCount, w.LastTriggeredAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (r *webhookRepository) Get(ctx context.Context, id uuid.UUID) (*model.Webhook, error) {
	var w model.Webhook
	if err := r.db.GetContext(ctx, &w, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "webhook")
	}
	if err := r.open(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *webhookRepository) Update(ctx context.Context, w *model.Webhook) error {
	query := `
		UPDATE webhooks
		SET url = $2, events = $3, max_retries = $4, retry_delay_ms = $5, updated_at = $6
		WHERE id = $1
		RETURNING ` + webhookColumns
	var out model.Webhook
	err := r.db.QueryRowxContext(ctx, query,
		w.ID, w.URL, w.Events, w.MaxRetries, w.RetryDelayMs, time.Now(),
	).StructScan(&out)
	if err != nil {
		return notFound(err, "webhook")
	}
	if err := r.open(&out); err != nil {
		return err
	}
	*w = out
	return nil
}

func (r *webhookRepository) SetStatus(ctx context.Context, id uuid.UUID, status model.WebhookStatus, resetFailures bool) (*model.Webhook, error) {
	query := `
		UPDATE webhooks
		SET status = $2,
			consecutive_failures = CASE WHEN $3 THEN 0 ELSE consecutive_failures END,
			updated_at = $4
		WHERE id = $1
		RETURNING ` + webhookColumns
	var out model.Webhook
	if err := r.db.QueryRowxContext(ctx, query, id, status, resetFailures, time.Now()).StructScan(&out); err != nil {
		return nil, notFound(err, "webhook")
	}
	if err := r.open(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *webhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

func (r *webhookRepository) List(ctx context.Context, f repository.WebhookFilter) ([]*model.Webhook, error) {
	w := &where{}
	if f.OwnerID != "" {
		w.add("owner_id = ?", f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY(?)", pq.Array(toStrings(f.Statuses)))
	}

	var out []*model.Webhook
	query := `SELECT ` + webhookColumns + ` FROM webhooks` + w.String() + ` ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &out, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	for _, hook := range out {
		if err := r.open(hook); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *webhookRepository) RecordResult(ctx context.Context, id uuid.UUID, res repository.WebhookResult) (*model.Webhook, bool, error) {
	var (
		w       model.Webhook
		tripped bool
	)
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &w, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1 FOR UPDATE`, id); err != nil {
			return notFound(err, "webhook")
		}

		tripped = repository.ApplyWebhookResult(&w, res)
		w.UpdatedAt = time.Now()

		_, err := tx.ExecContext(ctx, `
			UPDATE webhooks
			SET status = $2, consecutive_failures = $3, success_count = $4, failure_count = $5,
				last_triggered_at = $6, updated_at = $7
			WHERE id = $1
		`, w.ID, w.Status, w.ConsecutiveFailures, w.SuccessCount, w.FailureCount, w.LastTriggeredAt, w.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to record webhook result: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if err := r.open(&w); err != nil {
		return nil, false, err
	}
	return &w, tripped, nil
}

const deliveryColumns = `id, webhook_id, event, payload, status, attempts, max_attempts, last_status_code,
	last_error, response_time_ms, next_attempt_at, completed_at, created_at, updated_at`

type deliveryRepository struct {
	BaseRepository
}

func NewDeliveryRepository(base BaseRepository) repository.DeliveryRepository {
	return &deliveryRepository{base}
}

func (r *deliveryRepository) Create(ctx context.Context, d *model.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.WebhookID, d.Event, []byte(d.Payload), d.Status, d.Attempts, d.MaxAttempts, d.LastStatusCode,
		d.LastError, d.ResponseTimeMs, d.NextAttemptAt, d.CompletedAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery: %w", err)
	}
	return nil
}

func (r *deliveryRepository) Get(ctx context.Context, id uuid.UUID) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	if err := r.db.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "webhook delivery")
	}
	return &d, nil
}

func (r *deliveryRepository) Update(ctx context.Context, d *model.WebhookDelivery) error {
	d.UpdatedAt = time.Now()
	query := `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, last_status_code = $4, last_error = $5,
			response_time_ms = $6, next_attempt_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		d.ID, d.Status, d.Attempts, d.LastStatusCode, d.LastError,
		d.ResponseTimeMs, d.NextAttemptAt, d.CompletedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook delivery %s: %w", d.ID, repository.ErrNotFound)
	}
	return nil
}

func deliveryWhere(f repository.DeliveryFilter) *where {
	w := &where{}
	if f.WebhookID != nil {
		w.add("webhook_id = ?", *f.WebhookID)
	}
	if len(f.Statuses) > 0 {
		w.add("status = ANY(?)", pq.Array(toStrings(f.Statuses)))
	}
	if f.Event != "" {
		w.add("event = ?", f.Event)
	}
	return w
}

func (r *deliveryRepository) List(ctx context.Context, f repository.DeliveryFilter) ([]*model.WebhookDelivery, error) {
	w := deliveryWhere(f)
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries` + w.String() + ` ORDER BY created_at DESC`
	query += w.page(f.Limit, f.Offset)

	var out []*model.WebhookDelivery
	if err := r.db.SelectContext(ctx, &out, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	return out, nil
}

func (r *deliveryRepository) Count(ctx context.Context, f repository.DeliveryFilter) (int, error) {
	w := deliveryWhere(f)
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM webhook_deliveries`+w.String(), w.args...); err != nil {
		return 0, fmt.Errorf("failed to count webhook deliveries: %w", err)
	}
	return n, nil
}

func (r *deliveryRepository) ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]*model.WebhookDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE (status = 'RETRYING' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
		   OR (status = 'PENDING' AND updated_at <= $2)
		ORDER BY created_at
		LIMIT $3
	`
	var out []*model.WebhookDelivery
	if err := r.db.SelectContext(ctx, &out, query, now, staleBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list due deliveries: %w", err)
	}
	return out, nil
}

func (r *deliveryRepository) CountsByWebhook(ctx context.Context, webhookID uuid.UUID) (repository.DeliveryCounts, error) {
	var row struct {
		Total     int             `db:"total"`
		Pending   int             `db:"pending"`
		Retrying  int             `db:"retrying"`
		Succeeded int             `db:"succeeded"`
		Failed    int             `db:"failed"`
		AvgMs     sql.NullFloat64 `db:"avg_ms"`
	}
	query := `
		SELECT COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'PENDING') AS pending,
			COUNT(*) FILTER (WHERE status = 'RETRYING') AS retrying,
			COUNT(*) FILTER (WHERE status = 'SUCCESS') AS succeeded,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
			AVG(response_time_ms) AS avg_ms
		FROM webhook_deliveries
		WHERE webhook_id = $1
	`
	if err := r.db.GetContext(ctx, &row, query, webhookID); err != nil {
		return repository.DeliveryCounts{}, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return repository.DeliveryCounts{
		Total:             row.Total,
		Pending:           row.Pending,
		Retrying:          row.Retrying,
		Succeeded:         row.Succeeded,
		Failed:            row.Failed,
		AvgResponseTimeMs: row.AvgMs.Float64,
	}, nil
}

func (r *deliveryRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM webhook_deliveries
		WHERE status IN ('SUCCESS', 'FAILED')
		AND completed_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed deliveries: %w", err)
	}

	return result.RowsAffected()
}
