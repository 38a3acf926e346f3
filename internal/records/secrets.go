package records

import (
	"context"
	"database/sql"
	"time"

	"github.com/termflux/termflux/internal/errs"
	"github.com/termflux/termflux/internal/secret"
)

// SecretRepo adapts Store to internal/secret.Repo, keeping the envelope
// encryption logic (internal/secret) and the row persistence (here)
// separate.
type SecretRepo struct {
	store *Store
}

func NewSecretRepo(store *Store) *SecretRepo {
	return &SecretRepo{store: store}
}

func (r *SecretRepo) UpsertSecret(ctx context.Context, workspaceID, name string, env secret.Envelope) (string, error) {
	var id string
	err := r.store.db.QueryRowContext(ctx, `
		INSERT INTO secrets (id, workspace_id, name, alg_id, salt_b64, nonce_b64, ct_b64)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (workspace_id, name) DO UPDATE
			SET alg_id=$3, salt_b64=$4, nonce_b64=$5, ct_b64=$6, updated_at=now()
		RETURNING id`,
		workspaceID, name, env.AlgID, env.SaltB64, env.NonceB64, env.CTB64).Scan(&id)
	if err != nil {
		return "", errs.Backend(err, "upsert secret %s/%s", workspaceID, name)
	}
	return id, nil
}

func (r *SecretRepo) GetSecret(ctx context.Context, workspaceID, name string) (secret.Envelope, bool, error) {
	var env secret.Envelope
	err := r.store.db.QueryRowContext(ctx,
		`SELECT alg_id, salt_b64, nonce_b64, ct_b64 FROM secrets WHERE workspace_id=$1 AND name=$2`,
		workspaceID, name).Scan(&env.AlgID, &env.SaltB64, &env.NonceB64, &env.CTB64)
	if err == sql.ErrNoRows {
		return secret.Envelope{}, false, nil
	}
	if err != nil {
		return secret.Envelope{}, false, errs.Backend(err, "get secret %s/%s", workspaceID, name)
	}
	return env, true, nil
}

func (r *SecretRepo) ListSecrets(ctx context.Context, workspaceID string) ([]secret.Record, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM secrets WHERE workspace_id=$1 ORDER BY name`, workspaceID)
	if err != nil {
		return nil, errs.Backend(err, "list secrets for %s", workspaceID)
	}
	defer rows.Close()

	var out []secret.Record
	for rows.Next() {
		var rec secret.Record
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&rec.ID, &rec.Name, &createdAt, &updatedAt); err != nil {
			return nil, errs.Backend(err, "scan secret row")
		}
		rec.CreatedAt, rec.UpdatedAt = createdAt, updatedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *SecretRepo) DeleteSecret(ctx context.Context, workspaceID, name string) (bool, error) {
	res, err := r.store.db.ExecContext(ctx, `DELETE FROM secrets WHERE workspace_id=$1 AND name=$2`, workspaceID, name)
	if err != nil {
		return false, errs.Backend(err, "delete secret %s/%s", workspaceID, name)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *SecretRepo) AllSecrets(ctx context.Context, workspaceID string) (map[string]secret.Envelope, error) {
	rows, err := r.store.db.QueryContext(ctx,
		`SELECT name, alg_id, salt_b64, nonce_b64, ct_b64 FROM secrets WHERE workspace_id=$1`, workspaceID)
	if err != nil {
		return nil, errs.Backend(err, "all secrets for %s", workspaceID)
	}
	defer rows.Close()

	out := map[string]secret.Envelope{}
	for rows.Next() {
		var name string
		var env secret.Envelope
		if err := rows.Scan(&name, &env.AlgID, &env.SaltB64, &env.NonceB64, &env.CTB64); err != nil {
			return nil, errs.Backend(err, "scan secret row")
		}
		out[name] = env
	}
	return out, rows.Err()
}

var _ secret.Repo = (*SecretRepo)(nil)
