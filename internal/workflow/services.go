package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/store"
)

// AvailableBottles lists bottles that can fill quantity units of a
// medication, earliest expiration first
func (e *Engine) AvailableBottles(ctx context.Context, medicationID int64, quantity int) ([]*inventory.Bottle, error) {
	var out []*inventory.Bottle
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = e.ledger.Available(ctx, tx.Inventory(), medicationID, quantity)
		return err
	})
	return out, err
}

// ReceiveBottle adds a bottle to inventory
func (e *Engine) ReceiveBottle(ctx context.Context, b *inventory.Bottle) error {
	switch {
	case b.MedicationID <= 0:
		return invalid("medication_id", "medication is required")
	case b.Quantity <= 0:
		return invalid("quantity", "must be greater than zero")
	case b.ExpirationDate.IsZero():
		return invalid("expiration_date", "is required")
	}
	if b.Status == "" {
		b.Status = inventory.BottleInStock
	}
	if b.Kind == "" {
		b.Kind = inventory.KindStock
	}
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Inventory().CreateBottle(ctx, b); err != nil {
			return fmt.Errorf("create bottle: %w", err)
		}
		return nil
	})
}

// ExpiringBottles lists bottles expiring within days; 0 selects the
// default window
func (e *Engine) ExpiringBottles(ctx context.Context, days int) ([]*inventory.ExpiringBottle, error) {
	if days != 0 && !inventory.ValidWindow(days) {
		return nil, invalid("days", "must be one of %v", inventory.ExpirationWindows)
	}
	var out []*inventory.ExpiringBottle
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = e.expiry.Within(ctx, tx.Inventory(), days)
		return err
	})
	return out, err
}

// RemoveExpiredBottles deletes expired bottles without allocation history
func (e *Engine) RemoveExpiredBottles(ctx context.Context) (int64, error) {
	var n int64
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = e.expiry.RemoveExpired(ctx, tx.Inventory())
		return err
	})
	return n, err
}

// CreateContactRequest opens a prescriber contact request
func (e *Engine) CreateContactRequest(ctx context.Context, r *contact.Request) error {
	if r.UserID <= 0 {
		return invalid("user_id", "patient is required")
	}
	if !r.Type.Valid() {
		return invalid("type", "%q is not a contact request type", r.Type)
	}
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return e.contacts.Create(ctx, tx.Contacts(), r)
	})
}

// SendFax records a fax sent for a contact request
func (e *Engine) SendFax(ctx context.Context, s Session, id int64, faxNumber string) (*contact.FaxLog, error) {
	if faxNumber == "" {
		return nil, invalid("fax_number", "is required")
	}
	var l *contact.FaxLog
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		l, err = e.contacts.SendFax(ctx, tx.Contacts(), id, faxNumber, s.performedBy())
		return err
	})
	return l, err
}

// ResolveContact marks a contact request resolved
func (e *Engine) ResolveContact(ctx context.Context, id int64) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return e.contacts.MarkResolved(ctx, tx.Contacts(), id)
	})
}

// PendingContacts lists open contact requests, oldest first
func (e *Engine) PendingContacts(ctx context.Context, page prescription.Page) ([]*contact.Request, error) {
	page = page.Normalize(e.cfg.PageSize)
	var out []*contact.Request
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Contacts().ListPending(ctx, page.Limit, page.Offset)
		return err
	})
	return out, err
}

// ImportGenomics stores a processed VCF result against a patient. The new
// drug_review rows take effect at the patient's next data entry.
func (e *Engine) ImportGenomics(ctx context.Context, userID int64, res *genomics.Result) (*genomics.ImportSummary, error) {
	if userID <= 0 {
		return nil, invalid("user_id", "patient is required")
	}
	if res == nil {
		return nil, invalid("result", "is required")
	}
	var sum *genomics.ImportSummary
	err := e.run(ctx, Session{}, "genomics_import", func(ctx context.Context, u *unit) error {
		var err error
		sum, err = e.importer.Import(ctx, u.tx.Genomics(), userID, res)
		return err
	})
	return sum, err
}

// PatientGenetics lists the stored genotypes of a patient
func (e *Engine) PatientGenetics(ctx context.Context, userID int64) ([]*genomics.GeneticInfo, error) {
	var out []*genomics.GeneticInfo
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Genomics().GeneticInfo(ctx, userID)
		return err
	})
	return out, err
}

// PatientHistory lists the historical prescriptions of a patient
func (e *Engine) PatientHistory(ctx context.Context, userID int64) ([]*prescription.HistoryRecord, error) {
	var out []*prescription.HistoryRecord
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.Prescriptions().HistoryFor(ctx, userID)
		return err
	})
	return out, err
}

// SetClock replaces the engine clock. Tests use it to pin dates.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }
