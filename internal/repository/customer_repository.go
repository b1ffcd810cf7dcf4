package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/unclebandit/smsleopard-dispatch/internal/model"
)

// CustomerRepositoryInterface defines methods used by service
type CustomerRepositoryInterface interface {
	GetByID(ctx context.Context, id int) (*model.Customer, error)
	ListByIDs(ctx context.Context, tenantID string, ids []int) ([]*model.Customer, error)
	ListBySegment(ctx context.Context, tenantID string, filter model.SegmentFilter) ([]*model.Customer, error)
}

// CustomerRepository is the concrete implementation
type CustomerRepository struct {
	DB *sql.DB
}

const customerColumns = `id, tenant_id, phone, first_name, last_name, location, preferred_product, attributes`

// GetByID fetches a customer by ID
func (r *CustomerRepository) GetByID(ctx context.Context, id int) (*model.Customer, error) {
	c, err := scanCustomer(r.DB.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return c, nil
}

// ListByIDs keeps the caller's order; unknown or foreign-tenant IDs are skipped.
func (r *CustomerRepository) ListByIDs(ctx context.Context, tenantID string, ids []int) ([]*model.Customer, error) {
	if len(ids) == 0 {
		return []*model.Customer{}, nil
	}
	query := `SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = $1 AND id = ANY($2)`
	found, err := r.query(ctx, query, tenantID, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	byID := make(map[int]*model.Customer, len(found))
	for _, c := range found {
		byID[c.ID] = c
	}
	ordered := make([]*model.Customer, 0, len(found))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ordered = append(ordered, c)
			delete(byID, id)
		}
	}
	return ordered, nil
}

// ListBySegment resolves a segment filter to concrete customers, ordered by ID.
func (r *CustomerRepository) ListBySegment(ctx context.Context, tenantID string, filter model.SegmentFilter) ([]*model.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	argPos := 2

	if filter.Location != "" {
		query += fmt.Sprintf(" AND lower(location) = lower($%d)", argPos)
		args = append(args, filter.Location)
		argPos++
	}
	if filter.PreferredProduct != "" {
		query += fmt.Sprintf(" AND lower(preferred_product) = lower($%d)", argPos)
		args = append(args, filter.PreferredProduct)
		argPos++
	}
	if len(filter.Attributes) > 0 {
		attrs, err := json.Marshal(filter.Attributes)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND attributes @> $%d::jsonb", argPos)
		args = append(args, string(attrs))
	}
	query += " ORDER BY id"
	return r.query(ctx, query, args...)
}

func (r *CustomerRepository) query(ctx context.Context, query string, args ...interface{}) ([]*model.Customer, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := []*model.Customer{}
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

func scanCustomer(row rowScanner) (*model.Customer, error) {
	var c model.Customer
	var attrs []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.FirstName, &c.LastName, &c.Location, &c.PreferredProduct, &attrs); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of customer %d: %w", c.ID, err)
		}
	}
	return &c, nil
}

var _ CustomerRepositoryInterface = (*CustomerRepository)(nil)
