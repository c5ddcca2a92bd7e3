package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/discount"
)

const ruleColumns = `id, name, threshold, type, value, is_active, start_at, end_at, priority, created_at, updated_at`

const (
	listActiveRulesSQL = `SELECT ` + ruleColumns + ` FROM discount_rules WHERE is_active = TRUE`

	listRulesSQL = `SELECT ` + ruleColumns + ` FROM discount_rules ORDER BY threshold DESC, priority DESC, id`

	insertRuleSQL = `INSERT INTO discount_rules (` + ruleColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	updateRuleSQL = `UPDATE discount_rules SET name = $2, threshold = $3, type = $4, value = $5,
	is_active = $6, start_at = $7, end_at = $8, priority = $9, updated_at = $10
	WHERE id = $1`

	deleteRuleSQL = `DELETE FROM discount_rules WHERE id = $1`
)

var _ discount.Repository = (*RuleRepository)(nil)

// RuleRepository implements discount.Repository backed by PostgreSQL.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// ListActive returns rules flagged active. Window filtering happens in the
// resolver against an explicit clock.
func (r *RuleRepository) ListActive(ctx context.Context) ([]discount.Rule, error) {
	return r.list(ctx, listActiveRulesSQL)
}

// List returns all rules.
func (r *RuleRepository) List(ctx context.Context) ([]discount.Rule, error) {
	return r.list(ctx, listRulesSQL)
}

func (r *RuleRepository) list(ctx context.Context, query string) ([]discount.Rule, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing discount rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("scanning discount rules: %w", err)
	}
	return rules, nil
}

// Create inserts a rule.
func (r *RuleRepository) Create(ctx context.Context, rule *discount.Rule) error {
	if _, err := r.pool.Exec(ctx, insertRuleSQL,
		rule.ID, rule.Name, rule.Threshold, string(rule.Type), rule.Value, rule.IsActive,
		rule.StartAt, rule.EndAt, rule.Priority, rule.CreatedAt, rule.UpdatedAt,
	); err != nil {
		return fmt.Errorf("inserting discount rule %q: %w", rule.ID, err)
	}
	return nil
}

// Update replaces a rule's mutable fields.
func (r *RuleRepository) Update(ctx context.Context, rule *discount.Rule) error {
	tag, err := r.pool.Exec(ctx, updateRuleSQL,
		rule.ID, rule.Name, rule.Threshold, string(rule.Type), rule.Value, rule.IsActive,
		rule.StartAt, rule.EndAt, rule.Priority, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating discount rule %q: %w", rule.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return discount.ErrNotFound
	}
	return nil
}

// Delete removes a rule. Orders keep their snapshot.
func (r *RuleRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, deleteRuleSQL, id)
	if err != nil {
		return fmt.Errorf("deleting discount rule %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(discount.ErrNotFound, "%q", id)
	}
	return nil
}

func scanRule(row pgx.CollectableRow) (discount.Rule, error) {
	var (
		rule discount.Rule
		typ  string
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.Threshold, &typ, &rule.Value, &rule.IsActive,
		&rule.StartAt, &rule.EndAt, &rule.Priority, &rule.CreatedAt, &rule.UpdatedAt)
	rule.Type = discount.Type(typ)
	return rule, err
}
