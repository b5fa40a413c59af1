package memstore

import (
	"fmt"
	"sort"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/outbox"
)

// AddPatient registers a patient name
func (s *Store) AddPatient(id int64, name string) {
	s.write(func(st *state) { st.patients[id] = name })
}

// AddMedication registers a formulary entry
func (s *Store) AddMedication(id int64, name string) {
	s.write(func(st *state) { st.medications[id] = name })
}

// AddBottle stores a bottle and returns its id
func (s *Store) AddBottle(b inventory.Bottle) int64 {
	var id int64
	s.write(func(st *state) {
		if b.Status == "" {
			b.Status = inventory.BottleInStock
		}
		if b.Kind == "" {
			b.Kind = inventory.KindStock
		}
		b.ID = st.next("bottle")
		st.bottles[b.ID] = b
		id = b.ID
	})
	return id
}

// AddDrugReview stores a drug-gene conflict row and returns its id
func (s *Store) AddDrugReview(d conflict.DrugReview) int64 {
	var id int64
	s.write(func(st *state) {
		if d.Status == "" {
			d.Status = conflict.ReviewStatusActive
		}
		d.ID = st.next("drug_review")
		st.drugReviews[d.ID] = d
		id = d.ID
	})
	return id
}

// AddInteraction records a drug-drug interaction between two medications
func (s *Store) AddInteraction(a, b int64, severity, description string) {
	s.write(func(st *state) {
		st.interactions = append(st.interactions, drugPair{a: a, b: b, severity: severity, description: description})
	})
}

// AddHistory stores a patient-history prescription and returns its id
func (s *Store) AddHistory(h prescription.HistoryRecord) int64 {
	var id int64
	s.write(func(st *state) {
		h.ID = st.next("history")
		st.history[h.ID] = h
		id = h.ID
	})
	return id
}

// Bottle returns a committed bottle
func (s *Store) Bottle(id int64) (inventory.Bottle, error) {
	var (
		b  inventory.Bottle
		ok bool
	)
	s.read(func(st *state) { b, ok = st.bottles[id] })
	if !ok {
		return b, fmt.Errorf("bottle %d: %w", id, ErrNotSeeded)
	}
	return b, nil
}

// Allocations returns the committed allocations of a prescription
func (s *Store) Allocations(prescriptionID int64) []inventory.Allocation {
	var out []inventory.Allocation
	s.read(func(st *state) {
		for _, a := range st.allocations {
			if a.PrescriptionID == prescriptionID {
				out = append(out, a)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reviews returns the committed drug review queue rows of a prescription
func (s *Store) Reviews(prescriptionID int64) []prescription.ReviewEntry {
	var out []prescription.ReviewEntry
	s.read(func(st *state) {
		for _, r := range st.reviews {
			if r.PrescriptionID == prescriptionID {
				out = append(out, r)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InQueue reports whether a prescription has a committed row in q; for
// drug review only pending rows count
func (s *Store) InQueue(q prescription.Queue, prescriptionID int64) bool {
	found := false
	s.read(func(st *state) {
		switch q {
		case prescription.QueueActive:
			_, found = st.rx[prescriptionID]
		case prescription.QueueReception:
			for _, e := range st.intake {
				found = found || e.PrescriptionID == prescriptionID
			}
		case prescription.QueueDrugReview:
			for _, e := range st.reviews {
				found = found || (e.PrescriptionID == prescriptionID && e.Status == prescription.ReviewPending)
			}
		case prescription.QueuePickup:
			for _, e := range st.pickup {
				found = found || e.PrescriptionID == prescriptionID
			}
		case prescription.QueueFinished:
			for _, e := range st.finished {
				found = found || e.PrescriptionID == prescriptionID
			}
		case prescription.QueueHistory:
			for _, e := range st.history {
				found = found || e.SourcePrescriptionID == prescriptionID
			}
		}
	})
	return found
}

// AuditEntries returns every committed audit entry in insertion order
func (s *Store) AuditEntries() []audit.Entry {
	var out []audit.Entry
	s.read(func(st *state) { out = append(out, st.audit...) })
	return out
}

// OutboxEntries returns every committed outbox entry by id
func (s *Store) OutboxEntries() []outbox.Entry {
	var out []outbox.Entry
	s.read(func(st *state) {
		for _, e := range st.outbox {
			out = append(out, e)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Contacts returns every committed contact request by id
func (s *Store) Contacts() []contact.Request {
	var out []contact.Request
	s.read(func(st *state) {
		for _, c := range st.contacts {
			out = append(out, c)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
