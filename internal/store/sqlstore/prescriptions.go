package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

type prescriptionRepo struct{ q Querier }

const rxColumns = `id, user_id, medication_id, quantity_dispensed, status, rx_number,
	rx_store_num, store_number, prescriber_id, refills, fill_date, updated_at`

func scanPrescription(row Row) (*prescription.Prescription, error) {
	var (
		rx     prescription.Prescription
		status string
	)
	err := row.Scan(&rx.ID, &rx.UserID, &rx.MedicationID, &rx.QuantityDispensed, &status, &rx.RxNumber,
		&rx.RxStoreNum, &rx.StoreNumber, &rx.PrescriberID, &rx.Refills, &rx.FillDate, &rx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rx.Status = prescription.Status(status)
	return &rx, nil
}

func (r prescriptionRepo) Create(ctx context.Context, rx *prescription.Prescription) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO ActivatedPrescriptions (user_id, medication_id, quantity_dispensed, status, rx_number,
			rx_store_num, store_number, prescriber_id, refills, fill_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, "id",
		rx.UserID, rx.MedicationID, rx.QuantityDispensed, string(rx.Status), rx.RxNumber,
		rx.RxStoreNum, rx.StoreNumber, rx.PrescriberID, rx.Refills, rx.FillDate, rx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	rx.ID = id
	return nil
}

func (r prescriptionRepo) Get(ctx context.Context, id int64) (*prescription.Prescription, error) {
	rx, err := scanPrescription(r.q.QueryRow(ctx,
		`SELECT `+rxColumns+` FROM ActivatedPrescriptions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, prescription.ErrNotFound, fmt.Sprintf("prescription %d", id))
	}
	return rx, nil
}

func (r prescriptionRepo) UpdateStatus(ctx context.Context, id int64, status prescription.Status) error {
	n, err := r.q.Exec(ctx,
		`UPDATE ActivatedPrescriptions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("prescription %d: %w", id, prescription.ErrNotFound)
	}
	return nil
}

func (r prescriptionRepo) UpdateDetails(ctx context.Context, rx *prescription.Prescription) error {
	n, err := r.q.Exec(ctx, `
		UPDATE ActivatedPrescriptions
		SET quantity_dispensed = $1, rx_number = $2, rx_store_num = $3, prescriber_id = $4,
			refills = $5, updated_at = $6
		WHERE id = $7`,
		rx.QuantityDispensed, rx.RxNumber, rx.RxStoreNum, rx.PrescriberID, rx.Refills, time.Now().UTC(), rx.ID)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("prescription %d: %w", rx.ID, prescription.ErrNotFound)
	}
	return nil
}

const intakeColumns = `id, prescription_id, user_id, medication_id, product, quantity, instructions,
	delivery, promise_time, refills, status, created_at`

func (r prescriptionRepo) CreateIntake(ctx context.Context, e *prescription.IntakeEntry) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO ProductSelectionQueue (prescription_id, user_id, medication_id, product, quantity,
			instructions, delivery, promise_time, refills, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, "id",
		e.PrescriptionID, e.UserID, e.MedicationID, e.Product, e.Quantity,
		e.Instructions, e.Delivery, e.PromiseTime, e.Refills, string(e.Status), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reception entry: %w", err)
	}
	e.ID = id
	return nil
}

func (r prescriptionRepo) IntakeFor(ctx context.Context, id int64) (*prescription.IntakeEntry, error) {
	var (
		e      prescription.IntakeEntry
		status string
	)
	err := r.q.QueryRow(ctx, `SELECT `+intakeColumns+` FROM ProductSelectionQueue
		WHERE prescription_id = $1 ORDER BY id LIMIT 1`, id).
		Scan(&e.ID, &e.PrescriptionID, &e.UserID, &e.MedicationID, &e.Product, &e.Quantity, &e.Instructions,
			&e.Delivery, &e.PromiseTime, &e.Refills, &status, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err, prescription.ErrNotFound, fmt.Sprintf("reception entry for %d", id))
	}
	e.Status = prescription.Status(status)
	return &e, nil
}

func (r prescriptionRepo) UpdateIntake(ctx context.Context, e *prescription.IntakeEntry) error {
	_, err := r.q.Exec(ctx, `
		UPDATE ProductSelectionQueue
		SET product = $1, quantity = $2, instructions = $3, delivery = $4, promise_time = $5,
			refills = $6, status = $7
		WHERE id = $8`,
		e.Product, e.Quantity, e.Instructions, e.Delivery, e.PromiseTime, e.Refills, string(e.Status), e.ID)
	if err != nil {
		return fmt.Errorf("update reception entry: %w", err)
	}
	return nil
}

func (r prescriptionRepo) CreateReview(ctx context.Context, e *prescription.ReviewEntry) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO drugreviewqueue (prescription_id, user_id, medication_id, risk_level, status,
			reviewed_by, notes, reviewed_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, "id",
		e.PrescriptionID, e.UserID, e.MedicationID, string(e.RiskLevel), string(e.Status),
		e.ReviewedBy, e.Notes, e.ReviewedAt, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert drug review entry: %w", err)
	}
	e.ID = id
	return nil
}

func (r prescriptionRepo) PendingReview(ctx context.Context, id int64) (*prescription.ReviewEntry, error) {
	var (
		e            prescription.ReviewEntry
		risk, status string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, prescription_id, user_id, medication_id, risk_level, status, reviewed_by, notes,
			reviewed_date, created_at
		FROM drugreviewqueue
		WHERE prescription_id = $1 AND status = $2
		ORDER BY id LIMIT 1
		FOR UPDATE`, id, string(prescription.ReviewPending)).
		Scan(&e.ID, &e.PrescriptionID, &e.UserID, &e.MedicationID, &risk, &status, &e.ReviewedBy, &e.Notes,
			&e.ReviewedAt, &e.CreatedAt)
	if err != nil {
		return nil, notFound(err, prescription.ErrNotFound, fmt.Sprintf("pending review for %d", id))
	}
	e.RiskLevel = conflict.ParseRisk(risk)
	e.Status = prescription.ReviewStatus(status)
	return &e, nil
}

func (r prescriptionRepo) ResolveReview(ctx context.Context, e *prescription.ReviewEntry) error {
	n, err := r.q.Exec(ctx, `
		UPDATE drugreviewqueue SET status = $1, reviewed_by = $2, notes = $3, reviewed_date = $4
		WHERE id = $5`,
		string(e.Status), e.ReviewedBy, e.Notes, e.ReviewedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update drug review entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("review %d: %w", e.ID, prescription.ErrNotFound)
	}
	return nil
}

func (r prescriptionRepo) CreatePickup(ctx context.Context, p *prescription.PickupEntry) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO ReadyForPickUp (prescription_id, user_id, medication_id, rx_store_num, quantity,
			payment_status, status, ready_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, "id",
		p.PrescriptionID, p.UserID, p.MedicationID, p.RxStoreNum, p.Quantity, p.PaymentStatus, p.Status, p.ReadyAt)
	if err != nil {
		return fmt.Errorf("insert pickup entry: %w", err)
	}
	p.ID = id
	return nil
}

func (r prescriptionRepo) PickupFor(ctx context.Context, id int64) (*prescription.PickupEntry, error) {
	var p prescription.PickupEntry
	err := r.q.QueryRow(ctx, `
		SELECT id, prescription_id, user_id, medication_id, rx_store_num, quantity, payment_status, status, ready_at
		FROM ReadyForPickUp WHERE prescription_id = $1 ORDER BY id LIMIT 1`, id).
		Scan(&p.ID, &p.PrescriptionID, &p.UserID, &p.MedicationID, &p.RxStoreNum, &p.Quantity,
			&p.PaymentStatus, &p.Status, &p.ReadyAt)
	if err != nil {
		return nil, notFound(err, prescription.ErrNotFound, fmt.Sprintf("pickup entry for %d", id))
	}
	return &p, nil
}

func (r prescriptionRepo) CreateFinished(ctx context.Context, f *prescription.FinishedTransaction) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO FinishedTransactions (prescription_id, user_id, medication_id, rx_store_num, quantity,
			released_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, "id",
		f.PrescriptionID, f.UserID, f.MedicationID, f.RxStoreNum, f.Quantity, f.ReleasedAt, f.Status)
	if err != nil {
		return fmt.Errorf("insert finished transaction: %w", err)
	}
	f.ID = id
	return nil
}

const historyColumns = `id, source_prescription_id, user_id, medication_id, quantity_dispensed,
	refills_remaining, instructions, status, rx_store_num, fill_date, last_fill_date`

func scanHistory(row Row) (*prescription.HistoryRecord, error) {
	var (
		h      prescription.HistoryRecord
		status string
	)
	err := row.Scan(&h.ID, &h.SourcePrescriptionID, &h.UserID, &h.MedicationID, &h.QuantityDispensed,
		&h.RefillsRemaining, &h.Instructions, &status, &h.RxStoreNum, &h.FillDate, &h.LastFillDate)
	if err != nil {
		return nil, err
	}
	h.Status = prescription.Status(status)
	return &h, nil
}

func (r prescriptionRepo) CreateHistory(ctx context.Context, h *prescription.HistoryRecord) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO Prescriptions (source_prescription_id, user_id, medication_id, quantity_dispensed,
			refills_remaining, instructions, status, rx_store_num, fill_date, last_fill_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, "id",
		h.SourcePrescriptionID, h.UserID, h.MedicationID, h.QuantityDispensed,
		h.RefillsRemaining, h.Instructions, string(h.Status), h.RxStoreNum, h.FillDate, h.LastFillDate)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	h.ID = id
	return nil
}

func (r prescriptionRepo) GetHistory(ctx context.Context, id int64) (*prescription.HistoryRecord, error) {
	h, err := scanHistory(r.q.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM Prescriptions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, prescription.ErrNotFound, fmt.Sprintf("history %d", id))
	}
	return h, nil
}

func (r prescriptionRepo) UpdateHistoryRefills(ctx context.Context, id int64, refills int) error {
	n, err := r.q.Exec(ctx, `UPDATE Prescriptions SET refills_remaining = $1 WHERE id = $2`, refills, id)
	if err != nil {
		return fmt.Errorf("update refills: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("history %d: %w", id, prescription.ErrNotFound)
	}
	return nil
}

func (r prescriptionRepo) HistoryFor(ctx context.Context, userID int64) ([]*prescription.HistoryRecord, error) {
	rows, err := r.q.Query(ctx, `SELECT `+historyColumns+` FROM Prescriptions
		WHERE user_id = $1 ORDER BY last_fill_date DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*prescription.HistoryRecord
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r prescriptionRepo) Remove(ctx context.Context, q prescription.Queue, id int64) (int64, error) {
	column := "prescription_id"
	switch q {
	case prescription.QueueActive:
		column = "id"
	case prescription.QueueHistory:
		column = "source_prescription_id"
	}
	query, args := `DELETE FROM `+q.Table()+` WHERE `+column+` = $1`, []any{id}
	if q == prescription.QueueDrugReview {
		query += ` AND status = $2`
		args = append(args, string(prescription.ReviewPending))
	}
	n, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", q.Table(), err)
	}
	return n, nil
}

func (r prescriptionRepo) List(ctx context.Context, v prescription.View, page prescription.Page) ([]*prescription.QueueItem, int, error) {
	var (
		from, where, order, cols string
		args                     []any
	)
	switch v {
	case prescription.ViewDrugReview:
		cols = `q.prescription_id, q.user_id, q.medication_id, COALESCE(p.name, ''), COALESCE(m.name, ''),
			COALESCE(a.quantity_dispensed, 0), q.status, q.risk_level, COALESCE(a.rx_number, ''), q.created_at`
		from = `drugreviewqueue q
			LEFT JOIN ActivatedPrescriptions a ON a.id = q.prescription_id
			LEFT JOIN patients p ON p.id = q.user_id
			LEFT JOIN medications m ON m.id = q.medication_id`
		where = `q.status = $1`
		args = []any{string(prescription.ReviewPending)}
		order = `CASE q.risk_level WHEN 'High' THEN 1 WHEN 'Moderate' THEN 2 WHEN 'Low' THEN 3 ELSE 4 END,
			q.created_at, q.prescription_id`
	case prescription.ViewPickup:
		cols = `q.prescription_id, q.user_id, q.medication_id, COALESCE(p.name, ''), COALESCE(m.name, ''),
			q.quantity, q.status, '', COALESCE(a.rx_number, ''), q.ready_at`
		from = `ReadyForPickUp q
			LEFT JOIN ActivatedPrescriptions a ON a.id = q.prescription_id
			LEFT JOIN patients p ON p.id = q.user_id
			LEFT JOIN medications m ON m.id = q.medication_id`
		where = `1 = 1`
		order = `q.ready_at, q.prescription_id`
	default:
		statuses := v.Statuses()
		if statuses == nil {
			return nil, 0, fmt.Errorf("unknown queue view %q", v)
		}
		cols = `a.id, a.user_id, a.medication_id, COALESCE(p.name, ''), COALESCE(m.name, ''),
			a.quantity_dispensed, a.status, '', a.rx_number, a.fill_date`
		from = `ActivatedPrescriptions a
			LEFT JOIN patients p ON p.id = a.user_id
			LEFT JOIN medications m ON m.id = a.medication_id`
		var err error
		if where, args, err = inStatuses("a.status", statuses); err != nil {
			return nil, 0, fmt.Errorf("build %s filter: %w", v, err)
		}
		order = `a.fill_date, a.id`
	}

	var total int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM `+from+` WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", v, err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		cols, from, where, order, n+1, n+2)
	rows, err := r.q.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", v, err)
	}
	defer rows.Close()

	items := []*prescription.QueueItem{}
	for rows.Next() {
		var (
			it   prescription.QueueItem
			risk string
		)
		if err := rows.Scan(&it.PrescriptionID, &it.UserID, &it.MedicationID, &it.PatientName, &it.MedicationName,
			&it.Quantity, &it.Status, &risk, &it.RxNumber, &it.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan %s: %w", v, err)
		}
		if risk != "" {
			it.RiskLevel = conflict.ParseRisk(risk)
		}
		items = append(items, &it)
	}
	return items, total, rows.Err()
}
