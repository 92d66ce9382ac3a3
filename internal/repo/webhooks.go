package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"thesisline/internal/domain"
)

func (r Repo) InsertWebhook(ctx context.Context, w domain.Webhook) error {
	events := w.Events
	if events == nil {
		events = []string{}
	}
	if w.CreatedAt == "" {
		w.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO webhooks(id,url,secret,events,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.URL, w.Secret, string(eventsJSON), w.CreatedAt)
	return err
}

func (r Repo) GetWebhook(ctx context.Context, id string) (domain.Webhook, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,url,secret,events,created_at FROM webhooks WHERE id=?`, id)
	return scanWebhook(row.Scan)
}

func (r Repo) ListWebhooks(ctx context.Context) ([]domain.Webhook, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,url,secret,events,created_at FROM webhooks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWebhook(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM webhooks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWebhook(scan func(dest ...any) error) (domain.Webhook, error) {
	var w domain.Webhook
	var eventsJSON string
	err := scan(&w.ID, &w.URL, &w.Secret, &eventsJSON, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(eventsJSON), &w.Events); err != nil {
		return w, fmt.Errorf("webhook %s events: %w", w.ID, err)
	}
	return w, nil
}
