package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

type conflictRepo struct{ q Querier }

func (r conflictRepo) ActiveReviews(ctx context.Context, userID, medicationID int64) ([]*conflict.DrugReview, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, user_id, medication_id, gene, variant, risk_level, status, description, notes
		FROM drug_review
		WHERE user_id = $1 AND medication_id = $2 AND status = $3
		ORDER BY id`, userID, medicationID, conflict.ReviewStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query drug reviews: %w", err)
	}
	defer rows.Close()

	var out []*conflict.DrugReview
	for rows.Next() {
		var (
			d    conflict.DrugReview
			risk string
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.MedicationID, &d.Gene, &d.Variant, &risk, &d.Status,
			&d.Description, &d.Notes); err != nil {
			return nil, fmt.Errorf("scan drug review: %w", err)
		}
		d.Risk = conflict.ParseRisk(risk)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r conflictRepo) CoPrescribed(ctx context.Context, userID, exclude int64) ([]int64, error) {
	query, args, err := psql.Select("DISTINCT medication_id").
		From("ActivatedPrescriptions").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.NotEq{"medication_id": exclude}).
		Where(sq.NotEq{"status": statusArgs(prescription.OffProfileStatuses)}).
		OrderBy("medication_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build co-prescribed query: %w", err)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query co-prescribed: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan medication id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r conflictRepo) Interactions(ctx context.Context, medicationID int64, others []int64) ([]*conflict.Interaction, error) {
	if len(others) == 0 {
		return nil, nil
	}
	const other = `CASE WHEN i.medication_id_1 = ? THEN i.medication_id_2 ELSE i.medication_id_1 END`
	query, args, err := psql.Select().
		Column(sq.Expr(other, medicationID)).
		Columns("COALESCE(m.name, '')", "i.severity", "i.description").
		From("drug_drug_interactions i").
		LeftJoin("medications m ON m.id = "+other, medicationID).
		Where(sq.Or{
			sq.And{sq.Eq{"i.medication_id_1": medicationID}, sq.Eq{"i.medication_id_2": others}},
			sq.And{sq.Eq{"i.medication_id_2": medicationID}, sq.Eq{"i.medication_id_1": others}},
		}).
		OrderBy("i.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build interactions query: %w", err)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []*conflict.Interaction
	for rows.Next() {
		it := conflict.Interaction{MedicationID: medicationID}
		if err := rows.Scan(&it.OtherMedicationID, &it.OtherMedicationName, &it.Severity, &it.Description); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

type auditRepo struct{ q Querier }

func (r auditRepo) Insert(ctx context.Context, e *audit.Entry) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO prescription_audit_log (prescription_id, from_status, to_status, action, performed_by,
			notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, "id",
		e.PrescriptionID, e.FromStatus, e.ToStatus, e.Action, e.PerformedBy, e.Notes, e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (r auditRepo) ListByPrescription(ctx context.Context, id int64) ([]*audit.Entry, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, prescription_id, from_status, to_status, action, performed_by, notes, created_at
		FROM prescription_audit_log WHERE prescription_id = $1
		ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.ID, &e.PrescriptionID, &e.FromStatus, &e.ToStatus, &e.Action, &e.PerformedBy,
			&e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

type genomicsRepo struct{ q Querier }

func (r genomicsRepo) UpsertGeneticInfo(ctx context.Context, g *genomics.GeneticInfo) error {
	n, err := r.q.Exec(ctx, `
		UPDATE final_genetic_info SET genotype = $1, date_tested = $2
		WHERE user_id = $3 AND gene = $4 AND variant = $5`,
		g.Genotype, day(g.DateTested), g.UserID, g.Gene, g.Variant)
	if err != nil {
		return fmt.Errorf("update genetic info: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.q.Exec(ctx, `
		INSERT INTO final_genetic_info (user_id, gene, variant, genotype, date_tested)
		VALUES ($1, $2, $3, $4, $5)`,
		g.UserID, g.Gene, g.Variant, g.Genotype, day(g.DateTested)); err != nil {
		return fmt.Errorf("insert genetic info: %w", err)
	}
	return nil
}

func (r genomicsRepo) GeneticInfo(ctx context.Context, userID int64) ([]*genomics.GeneticInfo, error) {
	rows, err := r.q.Query(ctx, `
		SELECT user_id, gene, variant, genotype, date_tested FROM final_genetic_info
		WHERE user_id = $1 ORDER BY gene, variant`, userID)
	if err != nil {
		return nil, fmt.Errorf("query genetic info: %w", err)
	}
	defer rows.Close()

	var out []*genomics.GeneticInfo
	for rows.Next() {
		var g genomics.GeneticInfo
		if err := rows.Scan(&g.UserID, &g.Gene, &g.Variant, &g.Genotype, &g.DateTested); err != nil {
			return nil, fmt.Errorf("scan genetic info: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (r genomicsRepo) MedicationIDByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, `SELECT id FROM medications WHERE LOWER(name) = LOWER($1) ORDER BY id LIMIT 1`, name).Scan(&id)
	if err != nil {
		return 0, notFound(err, genomics.ErrMedicationNotFound, fmt.Sprintf("medication %q", name))
	}
	return id, nil
}

func (r genomicsRepo) UpsertDrugReview(ctx context.Context, d *conflict.DrugReview) error {
	var id int64
	err := r.q.QueryRow(ctx, `
		SELECT id FROM drug_review
		WHERE user_id = $1 AND medication_id = $2 AND gene = $3 AND variant = $4
		FOR UPDATE`, d.UserID, d.MedicationID, d.Gene, d.Variant).Scan(&id)
	switch {
	case err == nil:
		if _, err := r.q.Exec(ctx, `
			UPDATE drug_review SET risk_level = $1, status = $2, description = $3, notes = $4
			WHERE id = $5`, string(d.Risk), d.Status, d.Description, d.Notes, id); err != nil {
			return fmt.Errorf("update drug review: %w", err)
		}
		d.ID = id
		return nil
	case !errors.Is(err, ErrNoRows):
		return fmt.Errorf("find drug review: %w", err)
	}

	id, err = r.q.InsertReturningID(ctx, `
		INSERT INTO drug_review (user_id, medication_id, gene, variant, risk_level, status, description, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, "id",
		d.UserID, d.MedicationID, d.Gene, d.Variant, string(d.Risk), d.Status, d.Description, d.Notes)
	if err != nil {
		return fmt.Errorf("insert drug review: %w", err)
	}
	d.ID = id
	return nil
}

type contactRepo struct{ q Querier }

const contactColumns = `id, user_id, prescription_id, prescriber_id, request_type, status, delivery_method,
	notes, fax_send_count, created_at, resolved_at`

func scanContact(row Row) (*contact.Request, error) {
	var (
		c   contact.Request
		typ string
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.PrescriptionID, &c.PrescriberID, &typ, &c.Status, &c.DeliveryMethod,
		&c.Notes, &c.FaxSendCount, &c.CreatedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.Type = contact.RequestType(typ)
	return &c, nil
}

func (r contactRepo) Create(ctx context.Context, c *contact.Request) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO contact_requests (user_id, prescription_id, prescriber_id, request_type, status,
			delivery_method, notes, fax_send_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, "id",
		c.UserID, c.PrescriptionID, c.PrescriberID, string(c.Type), c.Status,
		c.DeliveryMethod, c.Notes, c.FaxSendCount, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert contact request: %w", err)
	}
	c.ID = id
	return nil
}

func (r contactRepo) Get(ctx context.Context, id int64) (*contact.Request, error) {
	c, err := scanContact(r.q.QueryRow(ctx, `SELECT `+contactColumns+` FROM contact_requests WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, contact.ErrNotFound, fmt.Sprintf("contact request %d", id))
	}
	return c, nil
}

func (r contactRepo) FindPending(ctx context.Context, userID int64, rxID *int64, t contact.RequestType) (*contact.Request, error) {
	c, err := scanContact(r.q.QueryRow(ctx, `SELECT `+contactColumns+` FROM contact_requests
		WHERE user_id = $1 AND request_type = $2 AND status = $3
			AND (prescription_id = $4 OR (prescription_id IS NULL AND $4 IS NULL))
		ORDER BY id LIMIT 1`, userID, string(t), contact.StatusPending, rxID))
	if errors.Is(err, ErrNoRows) {
		return nil, contact.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pending request: %w", err)
	}
	return c, nil
}

func (r contactRepo) ListPending(ctx context.Context, limit, offset int) ([]*contact.Request, error) {
	rows, err := r.q.Query(ctx, `SELECT `+contactColumns+` FROM contact_requests
		WHERE status = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, contact.StatusPending, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query contact requests: %w", err)
	}
	defer rows.Close()

	var out []*contact.Request
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact request: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r contactRepo) LogFax(ctx context.Context, l *contact.FaxLog) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO fax_log (request_id, fax_number, sent_by, sent_at) VALUES ($1, $2, $3, $4)`, "id",
		l.RequestID, l.FaxNumber, l.SentBy, l.SentAt)
	if err != nil {
		return fmt.Errorf("insert fax log: %w", err)
	}
	l.ID = id
	return nil
}

func (r contactRepo) IncrementFaxCount(ctx context.Context, id int64) error {
	n, err := r.q.Exec(ctx, `UPDATE contact_requests SET fax_send_count = fax_send_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment fax count: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("contact request %d: %w", id, contact.ErrNotFound)
	}
	return nil
}

func (r contactRepo) Resolve(ctx context.Context, id int64, at time.Time) error {
	n, err := r.q.Exec(ctx, `UPDATE contact_requests SET status = $1, resolved_at = $2 WHERE id = $3`,
		contact.StatusResolved, at, id)
	if err != nil {
		return fmt.Errorf("resolve contact request: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("contact request %d: %w", id, contact.ErrNotFound)
	}
	return nil
}
