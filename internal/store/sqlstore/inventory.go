package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/inventory"
)

type inventoryRepo struct{ q Querier }

const bottleColumns = `id, medication_id, ndc, kind, lot, quantity, expiration_date, status`

func scanBottle(row Row) (*inventory.Bottle, error) {
	var (
		b            inventory.Bottle
		kind, status string
	)
	if err := row.Scan(&b.ID, &b.MedicationID, &b.NDC, &kind, &b.Lot, &b.Quantity, &b.ExpirationDate, &status); err != nil {
		return nil, err
	}
	b.Kind = inventory.Kind(kind)
	b.Status = inventory.BottleStatus(status)
	return &b, nil
}

func (r inventoryRepo) bottles(ctx context.Context, query string, args ...any) ([]*inventory.Bottle, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bottles: %w", err)
	}
	defer rows.Close()

	var out []*inventory.Bottle
	for rows.Next() {
		b, err := scanBottle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bottle: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (r inventoryRepo) GetBottle(ctx context.Context, id int64) (*inventory.Bottle, error) {
	b, err := scanBottle(r.q.QueryRow(ctx, `SELECT `+bottleColumns+` FROM bottles WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, inventory.ErrBottleNotFound, fmt.Sprintf("bottle %d", id))
	}
	return b, nil
}

func (r inventoryRepo) CreateBottle(ctx context.Context, b *inventory.Bottle) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO bottles (medication_id, ndc, kind, lot, quantity, expiration_date, status, ever_allocated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)`, "id",
		b.MedicationID, b.NDC, string(b.Kind), b.Lot, b.Quantity, day(b.ExpirationDate), string(b.Status))
	if err != nil {
		return fmt.Errorf("insert bottle: %w", err)
	}
	b.ID = id
	return nil
}

func (r inventoryRepo) UpdateBottle(ctx context.Context, id int64, quantity int, status inventory.BottleStatus) error {
	n, err := r.q.Exec(ctx, `UPDATE bottles SET quantity = $1, status = $2 WHERE id = $3`, quantity, string(status), id)
	if err != nil {
		return fmt.Errorf("update bottle: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("bottle %d: %w", id, inventory.ErrBottleNotFound)
	}
	return nil
}

func (r inventoryRepo) CreateAllocation(ctx context.Context, a *inventory.Allocation) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO inusebottles (bottle_id, prescription_id, user_id, medication_id, quantity_used, start_date)
		VALUES ($1, $2, $3, $4, $5, $6)`, "id",
		a.BottleID, a.PrescriptionID, a.UserID, a.MedicationID, a.QuantityUsed, a.StartDate)
	if err != nil {
		return fmt.Errorf("insert allocation: %w", err)
	}
	if _, err := r.q.Exec(ctx, `UPDATE bottles SET ever_allocated = TRUE WHERE id = $1`, a.BottleID); err != nil {
		return fmt.Errorf("flag bottle allocated: %w", err)
	}
	a.ID = id
	return nil
}

func (r inventoryRepo) Allocations(ctx context.Context, id int64) ([]*inventory.Allocation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, bottle_id, prescription_id, user_id, medication_id, quantity_used, start_date
		FROM inusebottles WHERE prescription_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	var out []*inventory.Allocation
	for rows.Next() {
		var a inventory.Allocation
		if err := rows.Scan(&a.ID, &a.BottleID, &a.PrescriptionID, &a.UserID, &a.MedicationID,
			&a.QuantityUsed, &a.StartDate); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (r inventoryRepo) DeleteAllocations(ctx context.Context, id int64) (int64, error) {
	n, err := r.q.Exec(ctx, `DELETE FROM inusebottles WHERE prescription_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete allocations: %w", err)
	}
	return n, nil
}

func (r inventoryRepo) AvailableBottles(ctx context.Context, medicationID int64, minQuantity int, asOf time.Time) ([]*inventory.Bottle, error) {
	return r.bottles(ctx, `SELECT `+bottleColumns+` FROM bottles
		WHERE medication_id = $1 AND status IN ($2, $3) AND quantity >= $4 AND expiration_date >= $5
		ORDER BY expiration_date, id`,
		medicationID, string(inventory.BottleInStock), string(inventory.BottleOpened), minQuantity, day(asOf))
}

func (r inventoryRepo) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*inventory.Bottle, error) {
	return r.bottles(ctx, `SELECT `+bottleColumns+` FROM bottles
		WHERE expiration_date < $1 ORDER BY expiration_date, id`, day(cutoff))
}

func (r inventoryRepo) DeleteExpired(ctx context.Context, asOf time.Time) (int64, error) {
	n, err := r.q.Exec(ctx, `DELETE FROM bottles WHERE expiration_date < $1 AND ever_allocated = FALSE`, day(asOf))
	if err != nil {
		return 0, fmt.Errorf("delete expired bottles: %w", err)
	}
	return n, nil
}
