package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/tradewarden/delegation-engine/internal/domain/errors"
	"github.com/tradewarden/delegation-engine/internal/domain/permission"
	"github.com/tradewarden/delegation-engine/internal/infrastructure/telemetry"
)

// PermissionRepository persists permissions in PostgreSQL. Scope,
// conditions and metadata travel as JSONB; the audit log lives in a
// separate append-only table written in the same transaction as the
// permission row, so a state transition and its audit entry are atomic.
type PermissionRepository struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

func NewPermissionRepository(db *pgxpool.Pool) *PermissionRepository {
	return &PermissionRepository{
		db:     db,
		tracer: telemetry.Tracer("repository.permission"),
	}
}

const permissionColumns = `
	id, user_id, agent_id, type, status,
	scope, conditions, metadata,
	granted_at, expires_at, revoked_at, created_at, updated_at`

// Save upserts the permission row and appends any audit entries not yet
// persisted, all in one transaction.
func (r *PermissionRepository) Save(ctx context.Context, p *permission.Permission) (err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "save", "permissions")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	if p == nil {
		return ErrInvalidInput
	}

	scopeJSON, err := json.Marshal(p.Scope)
	if err != nil {
		return fmt.Errorf("failed to marshal scope: %w", err)
	}
	conditionsJSON, err := json.Marshal(p.Conditions)
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO permissions (` + permissionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			scope = EXCLUDED.scope,
			conditions = EXCLUDED.conditions,
			metadata = EXCLUDED.metadata,
			granted_at = EXCLUDED.granted_at,
			expires_at = EXCLUDED.expires_at,
			revoked_at = EXCLUDED.revoked_at,
			updated_at = EXCLUDED.updated_at`

	var grantedAt interface{}
	if !p.GrantedAt.IsZero() {
		grantedAt = p.GrantedAt
	}

	_, err = tx.Exec(ctx, query,
		p.ID, p.UserID, p.AgentID, p.Type.String(), p.Status.String(),
		scopeJSON, conditionsJSON, metadataJSON,
		grantedAt, p.ExpiresAt, p.RevokedAt, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save permission: %w", err)
	}

	auditQuery := `
		INSERT INTO permission_audit (
			id, permission_id, seq, action, details, triggered_by, reason, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	for seq, entry := range p.AuditLog {
		detailsJSON, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		_, err = tx.Exec(ctx, auditQuery,
			entry.ID, p.ID, seq, entry.Action, detailsJSON,
			entry.TriggeredBy.String(), entry.Reason, entry.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FindByID loads one permission with its full audit log.
func (r *PermissionRepository) FindByID(ctx context.Context, id uuid.UUID) (_ *permission.Permission, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "find_by_id", "permissions")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`

	p, err := r.scanPermission(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrPermissionNotFound
		}
		return nil, fmt.Errorf("failed to query permission: %w", err)
	}

	if err := r.loadAuditLogs(ctx, []*permission.Permission{p}); err != nil {
		return nil, err
	}
	return p, nil
}

// FindActiveByUser returns the user's permissions currently marked active.
func (r *PermissionRepository) FindActiveByUser(ctx context.Context, userID uuid.UUID) (_ []*permission.Permission, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "find_active_by_user", "permissions")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	query := `SELECT ` + permissionColumns + `
		FROM permissions WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at`
	return r.queryPermissions(ctx, query, userID)
}

// FindAllActive returns every permission currently marked active.
func (r *PermissionRepository) FindAllActive(ctx context.Context) (_ []*permission.Permission, err error) {
	ctx, span := telemetry.StartDatabaseSpan(ctx, r.tracer, "find_all_active", "permissions")
	defer func() {
		telemetry.WithSpanError(span, err)
		span.End()
	}()

	query := `SELECT ` + permissionColumns + `
		FROM permissions WHERE status = 'active'
		ORDER BY created_at`
	return r.queryPermissions(ctx, query)
}

func (r *PermissionRepository) queryPermissions(ctx context.Context, query string, args ...interface{}) ([]*permission.Permission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query permissions: %w", err)
	}
	defer rows.Close()

	var perms []*permission.Permission
	for rows.Next() {
		p, err := r.scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}

	if err := r.loadAuditLogs(ctx, perms); err != nil {
		return nil, err
	}
	return perms, nil
}

func (r *PermissionRepository) scanPermission(row pgx.Row) (*permission.Permission, error) {
	var (
		p                                   permission.Permission
		typeStr, statusStr                  string
		scopeJSON, conditionsJSON, metaJSON []byte
		grantedAt                           *time.Time
	)

	err := row.Scan(
		&p.ID, &p.UserID, &p.AgentID, &typeStr, &statusStr,
		&scopeJSON, &conditionsJSON, &metaJSON,
		&grantedAt, &p.ExpiresAt, &p.RevokedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if grantedAt != nil {
		p.GrantedAt = *grantedAt
	}

	if p.Type, err = permission.ParseType(typeStr); err != nil {
		return nil, err
	}
	if p.Status, err = permission.ParseStatus(statusStr); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopeJSON, &p.Scope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scope: %w", err)
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &p.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
		}
	}
	if err := json.Unmarshal(metaJSON, &p.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &p, nil
}

// loadAuditLogs attaches audit entries to the loaded permissions in one
// batched query.
func (r *PermissionRepository) loadAuditLogs(ctx context.Context, perms []*permission.Permission) error {
	if len(perms) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(perms))
	byID := make(map[uuid.UUID]*permission.Permission, len(perms))
	for i, p := range perms {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	query := `
		SELECT id, permission_id, action, details, triggered_by, reason, occurred_at
		FROM permission_audit
		WHERE permission_id = ANY($1)
		ORDER BY permission_id, seq`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry        permission.AuditEntry
			permissionID uuid.UUID
			detailsJSON  []byte
			triggeredBy  string
		)
		if err := rows.Scan(&entry.ID, &permissionID, &entry.Action,
			&detailsJSON, &triggeredBy, &entry.Reason, &entry.Timestamp); err != nil {
			return fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if entry.TriggeredBy, err = permission.ParseTriggerSource(triggeredBy); err != nil {
			return err
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		if p, ok := byID[permissionID]; ok {
			p.AuditLog = append(p.AuditLog, entry)
		}
	}
	return rows.Err()
}
