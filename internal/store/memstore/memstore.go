// Package memstore is an in-memory transactional store. Each transaction
// works on a private copy of the state and publishes it on commit, so a
// failed action leaves nothing behind. Transactions are serialized.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

type drugPair struct {
	a, b        int64
	severity    string
	description string
}

type geneKey struct {
	userID  int64
	gene    string
	variant string
}

type state struct {
	seq map[string]int64

	patients    map[int64]string
	medications map[int64]string

	rx       map[int64]prescription.Prescription
	intake   map[int64]prescription.IntakeEntry
	reviews  map[int64]prescription.ReviewEntry
	pickup   map[int64]prescription.PickupEntry
	finished map[int64]prescription.FinishedTransaction
	history  map[int64]prescription.HistoryRecord

	bottles     map[int64]inventory.Bottle
	allocations map[int64]inventory.Allocation
	// allocated records bottles that ever had an allocation
	allocated map[int64]bool

	drugReviews  map[int64]conflict.DrugReview
	interactions []drugPair
	genetics     map[geneKey]genomics.GeneticInfo

	audit    []audit.Entry
	contacts map[int64]contact.Request
	faxes    []contact.FaxLog
	outbox   map[int64]outbox.Entry
	inbox    map[string]idempotency.Entry
}

func newState() *state {
	return &state{
		seq:         map[string]int64{},
		patients:    map[int64]string{},
		medications: map[int64]string{},
		rx:          map[int64]prescription.Prescription{},
		intake:      map[int64]prescription.IntakeEntry{},
		reviews:     map[int64]prescription.ReviewEntry{},
		pickup:      map[int64]prescription.PickupEntry{},
		finished:    map[int64]prescription.FinishedTransaction{},
		history:     map[int64]prescription.HistoryRecord{},
		bottles:     map[int64]inventory.Bottle{},
		allocations: map[int64]inventory.Allocation{},
		allocated:   map[int64]bool{},
		drugReviews: map[int64]conflict.DrugReview{},
		genetics:    map[geneKey]genomics.GeneticInfo{},
		contacts:    map[int64]contact.Request{},
		outbox:      map[int64]outbox.Entry{},
		inbox:       map[string]idempotency.Entry{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	return &state{
		seq:          cloneMap(s.seq),
		patients:     cloneMap(s.patients),
		medications:  cloneMap(s.medications),
		rx:           cloneMap(s.rx),
		intake:       cloneMap(s.intake),
		reviews:      cloneMap(s.reviews),
		pickup:       cloneMap(s.pickup),
		finished:     cloneMap(s.finished),
		history:      cloneMap(s.history),
		bottles:      cloneMap(s.bottles),
		allocations:  cloneMap(s.allocations),
		allocated:    cloneMap(s.allocated),
		drugReviews:  cloneMap(s.drugReviews),
		interactions: append([]drugPair(nil), s.interactions...),
		genetics:     cloneMap(s.genetics),
		audit:        append([]audit.Entry(nil), s.audit...),
		contacts:     cloneMap(s.contacts),
		faxes:        append([]contact.FaxLog(nil), s.faxes...),
		outbox:       cloneMap(s.outbox),
		inbox:        cloneMap(s.inbox),
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// Store is the in-memory store.Store
type Store struct {
	mu    sync.Mutex
	state *state

	// AuditErr, when set, fails every audit insert
	AuditErr error
	// InteractionsErr, when set, fails every drug-drug interaction lookup.
	// Like a Postgres statement error it aborts the transaction unless it
	// happens under a savepoint.
	InteractionsErr error
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{state: newState()}
}

// WithTx implements store.Store
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{st: s.state.clone(), auditErr: s.AuditErr, interactionsErr: s.InteractionsErr}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if t.aborted != nil {
		return fmt.Errorf("commit aborted transaction: %w", t.aborted)
	}
	s.state = t.st
	return nil
}

// Ping implements store.Store
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements store.Store
func (s *Store) Close() {}

// Migrate is a no-op; the store has no schema
func (s *Store) Migrate(context.Context) error { return nil }

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *Store) write(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

type tx struct {
	st              *state
	auditErr        error
	interactionsErr error

	depth   int
	aborted error
}

// fail records a statement error; outside a savepoint it poisons the
// transaction
func (t *tx) fail(err error) error {
	if t.depth == 0 && t.aborted == nil {
		t.aborted = err
	}
	return err
}

func (t *tx) check() error {
	if t.aborted != nil {
		return fmt.Errorf("current transaction is aborted: %w", t.aborted)
	}
	return nil
}

func (t *tx) Prescriptions() prescription.Repository { return prescriptionRepo{t} }
func (t *tx) Inventory() inventory.Repository        { return inventoryRepo{t} }
func (t *tx) Conflicts() conflict.Repository         { return conflictRepo{t} }
func (t *tx) Audit() audit.Repository                { return auditRepo{t} }
func (t *tx) Genomics() genomics.Repository          { return genomicsRepo{t} }
func (t *tx) Contacts() contact.Repository           { return contactRepo{t} }
func (t *tx) Outbox() outbox.Repository              { return outboxRepo{t} }
func (t *tx) Inbox() idempotency.Repository          { return inboxRepo{t} }

func (t *tx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := t.check(); err != nil {
		return err
	}
	saved := t.st.clone()
	t.depth++
	err := fn(ctx)
	t.depth--
	if err != nil {
		t.st = saved
		return err
	}
	return nil
}

// prescriptions

type prescriptionRepo struct{ t *tx }

func (r prescriptionRepo) Create(_ context.Context, rx *prescription.Prescription) error {
	rx.ID = r.t.st.next("rx")
	r.t.st.rx[rx.ID] = *rx
	return nil
}

func (r prescriptionRepo) Get(_ context.Context, id int64) (*prescription.Prescription, error) {
	rx, ok := r.t.st.rx[id]
	if !ok {
		return nil, fmt.Errorf("prescription %d: %w", id, prescription.ErrNotFound)
	}
	return &rx, nil
}

func (r prescriptionRepo) UpdateStatus(_ context.Context, id int64, status prescription.Status) error {
	rx, ok := r.t.st.rx[id]
	if !ok {
		return fmt.Errorf("prescription %d: %w", id, prescription.ErrNotFound)
	}
	rx.Status = status
	rx.UpdatedAt = time.Now().UTC()
	r.t.st.rx[id] = rx
	return nil
}

func (r prescriptionRepo) UpdateDetails(_ context.Context, rx *prescription.Prescription) error {
	cur, ok := r.t.st.rx[rx.ID]
	if !ok {
		return fmt.Errorf("prescription %d: %w", rx.ID, prescription.ErrNotFound)
	}
	cur.QuantityDispensed = rx.QuantityDispensed
	cur.RxNumber = rx.RxNumber
	cur.RxStoreNum = rx.RxStoreNum
	cur.PrescriberID = rx.PrescriberID
	cur.Refills = rx.Refills
	cur.UpdatedAt = time.Now().UTC()
	r.t.st.rx[rx.ID] = cur
	return nil
}

func (r prescriptionRepo) CreateIntake(_ context.Context, e *prescription.IntakeEntry) error {
	e.ID = r.t.st.next("intake")
	r.t.st.intake[e.ID] = *e
	return nil
}

func (r prescriptionRepo) IntakeFor(_ context.Context, id int64) (*prescription.IntakeEntry, error) {
	for _, e := range r.t.st.intake {
		if e.PrescriptionID == id {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("reception entry for %d: %w", id, prescription.ErrNotFound)
}

func (r prescriptionRepo) UpdateIntake(_ context.Context, e *prescription.IntakeEntry) error {
	if _, ok := r.t.st.intake[e.ID]; !ok {
		return fmt.Errorf("reception entry %d: %w", e.ID, prescription.ErrNotFound)
	}
	r.t.st.intake[e.ID] = *e
	return nil
}

func (r prescriptionRepo) CreateReview(_ context.Context, e *prescription.ReviewEntry) error {
	e.ID = r.t.st.next("review")
	r.t.st.reviews[e.ID] = *e
	return nil
}

func (r prescriptionRepo) PendingReview(_ context.Context, id int64) (*prescription.ReviewEntry, error) {
	var found *prescription.ReviewEntry
	for _, e := range r.t.st.reviews {
		if e.PrescriptionID == id && e.Status == prescription.ReviewPending {
			if found == nil || e.ID < found.ID {
				e := e
				found = &e
			}
		}
	}
	if found == nil {
		return nil, fmt.Errorf("pending review for %d: %w", id, prescription.ErrNotFound)
	}
	return found, nil
}

func (r prescriptionRepo) ResolveReview(_ context.Context, e *prescription.ReviewEntry) error {
	if _, ok := r.t.st.reviews[e.ID]; !ok {
		return fmt.Errorf("review %d: %w", e.ID, prescription.ErrNotFound)
	}
	r.t.st.reviews[e.ID] = *e
	return nil
}

func (r prescriptionRepo) CreatePickup(_ context.Context, p *prescription.PickupEntry) error {
	p.ID = r.t.st.next("pickup")
	r.t.st.pickup[p.ID] = *p
	return nil
}

func (r prescriptionRepo) PickupFor(_ context.Context, id int64) (*prescription.PickupEntry, error) {
	for _, p := range r.t.st.pickup {
		if p.PrescriptionID == id {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("pickup entry for %d: %w", id, prescription.ErrNotFound)
}

func (r prescriptionRepo) CreateFinished(_ context.Context, f *prescription.FinishedTransaction) error {
	f.ID = r.t.st.next("finished")
	r.t.st.finished[f.ID] = *f
	return nil
}

func (r prescriptionRepo) CreateHistory(_ context.Context, h *prescription.HistoryRecord) error {
	h.ID = r.t.st.next("history")
	r.t.st.history[h.ID] = *h
	return nil
}

func (r prescriptionRepo) GetHistory(_ context.Context, id int64) (*prescription.HistoryRecord, error) {
	h, ok := r.t.st.history[id]
	if !ok {
		return nil, fmt.Errorf("history %d: %w", id, prescription.ErrNotFound)
	}
	return &h, nil
}

func (r prescriptionRepo) UpdateHistoryRefills(_ context.Context, id int64, refills int) error {
	h, ok := r.t.st.history[id]
	if !ok {
		return fmt.Errorf("history %d: %w", id, prescription.ErrNotFound)
	}
	h.RefillsRemaining = refills
	r.t.st.history[id] = h
	return nil
}

func (r prescriptionRepo) HistoryFor(_ context.Context, userID int64) ([]*prescription.HistoryRecord, error) {
	var out []*prescription.HistoryRecord
	for _, h := range r.t.st.history {
		if h.UserID == userID {
			h := h
			out = append(out, &h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastFillDate.Equal(out[j].LastFillDate) {
			return out[i].LastFillDate.After(out[j].LastFillDate)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r prescriptionRepo) Remove(_ context.Context, q prescription.Queue, id int64) (int64, error) {
	st := r.t.st
	var n int64
	switch q {
	case prescription.QueueReception:
		n = deleteWhere(st.intake, func(e prescription.IntakeEntry) bool { return e.PrescriptionID == id })
	case prescription.QueueDrugReview:
		n = deleteWhere(st.reviews, func(e prescription.ReviewEntry) bool {
			return e.PrescriptionID == id && e.Status == prescription.ReviewPending
		})
	case prescription.QueuePickup:
		n = deleteWhere(st.pickup, func(e prescription.PickupEntry) bool { return e.PrescriptionID == id })
	case prescription.QueueFinished:
		n = deleteWhere(st.finished, func(e prescription.FinishedTransaction) bool { return e.PrescriptionID == id })
	case prescription.QueueHistory:
		n = deleteWhere(st.history, func(e prescription.HistoryRecord) bool { return e.SourcePrescriptionID == id })
	case prescription.QueueActive:
		if _, ok := st.rx[id]; ok {
			delete(st.rx, id)
			n = 1
		}
	default:
		return 0, fmt.Errorf("unknown queue %d", int(q))
	}
	return n, nil
}

func deleteWhere[V any](m map[int64]V, match func(V) bool) int64 {
	var n int64
	for k, v := range m {
		if match(v) {
			delete(m, k)
			n++
		}
	}
	return n
}

func (r prescriptionRepo) List(_ context.Context, v prescription.View, page prescription.Page) ([]*prescription.QueueItem, int, error) {
	st := r.t.st
	var items []*prescription.QueueItem

	switch v {
	case prescription.ViewDrugReview:
		for _, e := range st.reviews {
			if e.Status != prescription.ReviewPending {
				continue
			}
			rx := st.rx[e.PrescriptionID]
			items = append(items, &prescription.QueueItem{
				PrescriptionID: e.PrescriptionID,
				UserID:         e.UserID,
				MedicationID:   e.MedicationID,
				PatientName:    st.patients[e.UserID],
				MedicationName: st.medications[e.MedicationID],
				Quantity:       rx.QuantityDispensed,
				Status:         string(e.Status),
				RiskLevel:      e.RiskLevel,
				RxNumber:       rx.RxNumber,
				CreatedAt:      e.CreatedAt,
			})
		}
		sort.Slice(items, func(i, j int) bool {
			ri, rj := items[i].RiskLevel.Rank(), items[j].RiskLevel.Rank()
			if ri != rj {
				return ri < rj
			}
			if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
				return items[i].CreatedAt.Before(items[j].CreatedAt)
			}
			return items[i].PrescriptionID < items[j].PrescriptionID
		})

	case prescription.ViewPickup:
		for _, p := range st.pickup {
			rx := st.rx[p.PrescriptionID]
			items = append(items, &prescription.QueueItem{
				PrescriptionID: p.PrescriptionID,
				UserID:         p.UserID,
				MedicationID:   p.MedicationID,
				PatientName:    st.patients[p.UserID],
				MedicationName: st.medications[p.MedicationID],
				Quantity:       p.Quantity,
				Status:         p.Status,
				RxNumber:       rx.RxNumber,
				CreatedAt:      p.ReadyAt,
			})
		}
		sortByCreated(items)

	default:
		statuses := v.Statuses()
		if statuses == nil {
			return nil, 0, fmt.Errorf("unknown queue view %q", v)
		}
		for _, rx := range st.rx {
			if !hasStatus(statuses, rx.Status) {
				continue
			}
			items = append(items, &prescription.QueueItem{
				PrescriptionID: rx.ID,
				UserID:         rx.UserID,
				MedicationID:   rx.MedicationID,
				PatientName:    st.patients[rx.UserID],
				MedicationName: st.medications[rx.MedicationID],
				Quantity:       rx.QuantityDispensed,
				Status:         string(rx.Status),
				RxNumber:       rx.RxNumber,
				CreatedAt:      rx.FillDate,
			})
		}
		sortByCreated(items)
	}

	total := len(items)
	if page.Offset >= total {
		return []*prescription.QueueItem{}, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return items[page.Offset:end], total, nil
}

func hasStatus(set []prescription.Status, s prescription.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func sortByCreated(items []*prescription.QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].PrescriptionID < items[j].PrescriptionID
	})
}

// inventory

type inventoryRepo struct{ t *tx }

func (r inventoryRepo) GetBottle(_ context.Context, id int64) (*inventory.Bottle, error) {
	b, ok := r.t.st.bottles[id]
	if !ok {
		return nil, fmt.Errorf("bottle %d: %w", id, inventory.ErrBottleNotFound)
	}
	return &b, nil
}

func (r inventoryRepo) CreateBottle(_ context.Context, b *inventory.Bottle) error {
	b.ID = r.t.st.next("bottle")
	r.t.st.bottles[b.ID] = *b
	return nil
}

func (r inventoryRepo) UpdateBottle(_ context.Context, id int64, quantity int, status inventory.BottleStatus) error {
	b, ok := r.t.st.bottles[id]
	if !ok {
		return fmt.Errorf("bottle %d: %w", id, inventory.ErrBottleNotFound)
	}
	b.Quantity = quantity
	b.Status = status
	r.t.st.bottles[id] = b
	return nil
}

func (r inventoryRepo) CreateAllocation(_ context.Context, a *inventory.Allocation) error {
	a.ID = r.t.st.next("allocation")
	r.t.st.allocations[a.ID] = *a
	r.t.st.allocated[a.BottleID] = true
	return nil
}

func (r inventoryRepo) Allocations(_ context.Context, id int64) ([]*inventory.Allocation, error) {
	var out []*inventory.Allocation
	for _, a := range r.t.st.allocations {
		if a.PrescriptionID == id {
			a := a
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r inventoryRepo) DeleteAllocations(_ context.Context, id int64) (int64, error) {
	return deleteWhere(r.t.st.allocations, func(a inventory.Allocation) bool { return a.PrescriptionID == id }), nil
}

func (r inventoryRepo) AvailableBottles(_ context.Context, medicationID int64, minQuantity int, asOf time.Time) ([]*inventory.Bottle, error) {
	var out []*inventory.Bottle
	for _, b := range r.t.st.bottles {
		if b.MedicationID == medicationID && b.Status.Available() && !b.Expired(asOf) && b.Quantity >= minQuantity {
			b := b
			out = append(out, &b)
		}
	}
	sortBottles(out)
	return out, nil
}

func (r inventoryRepo) ExpiringBefore(_ context.Context, cutoff time.Time) ([]*inventory.Bottle, error) {
	var out []*inventory.Bottle
	for _, b := range r.t.st.bottles {
		if b.ExpirationDate.Before(cutoff) {
			b := b
			out = append(out, &b)
		}
	}
	sortBottles(out)
	return out, nil
}

func (r inventoryRepo) DeleteExpired(_ context.Context, asOf time.Time) (int64, error) {
	st := r.t.st
	return deleteWhere(st.bottles, func(b inventory.Bottle) bool {
		return b.Expired(asOf) && !st.allocated[b.ID]
	}), nil
}

func sortBottles(out []*inventory.Bottle) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpirationDate.Equal(out[j].ExpirationDate) {
			return out[i].ExpirationDate.Before(out[j].ExpirationDate)
		}
		return out[i].ID < out[j].ID
	})
}

// conflicts

type conflictRepo struct{ t *tx }

func (r conflictRepo) ActiveReviews(_ context.Context, userID, medicationID int64) ([]*conflict.DrugReview, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	var out []*conflict.DrugReview
	for _, d := range r.t.st.drugReviews {
		if d.UserID == userID && d.MedicationID == medicationID && d.Status == conflict.ReviewStatusActive {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r conflictRepo) CoPrescribed(_ context.Context, userID, exclude int64) ([]int64, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	seen := map[int64]bool{}
	var out []int64
	for _, rx := range r.t.st.rx {
		if rx.UserID != userID || rx.MedicationID == exclude || !rx.Status.OnActiveProfile() || seen[rx.MedicationID] {
			continue
		}
		seen[rx.MedicationID] = true
		out = append(out, rx.MedicationID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r conflictRepo) Interactions(_ context.Context, medicationID int64, others []int64) ([]*conflict.Interaction, error) {
	if err := r.t.check(); err != nil {
		return nil, err
	}
	if r.t.interactionsErr != nil {
		return nil, r.t.fail(r.t.interactionsErr)
	}
	want := map[int64]bool{}
	for _, o := range others {
		want[o] = true
	}
	var out []*conflict.Interaction
	for _, p := range r.t.st.interactions {
		var other int64
		switch {
		case p.a == medicationID && want[p.b]:
			other = p.b
		case p.b == medicationID && want[p.a]:
			other = p.a
		default:
			continue
		}
		out = append(out, &conflict.Interaction{
			MedicationID:        medicationID,
			OtherMedicationID:   other,
			OtherMedicationName: r.t.st.medications[other],
			Severity:            p.severity,
			Description:         p.description,
		})
	}
	return out, nil
}

// audit

type auditRepo struct{ t *tx }

func (r auditRepo) Insert(_ context.Context, e *audit.Entry) error {
	if r.t.auditErr != nil {
		// leave a partial write behind so savepoint rollback is observable
		r.t.st.next("audit")
		return r.t.auditErr
	}
	e.ID = r.t.st.next("audit")
	r.t.st.audit = append(r.t.st.audit, *e)
	return nil
}

func (r auditRepo) ListByPrescription(_ context.Context, id int64) ([]*audit.Entry, error) {
	var out []*audit.Entry
	for _, e := range r.t.st.audit {
		if e.PrescriptionID == id {
			e := e
			out = append(out, &e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// genomics

type genomicsRepo struct{ t *tx }

func (r genomicsRepo) UpsertGeneticInfo(_ context.Context, g *genomics.GeneticInfo) error {
	r.t.st.genetics[geneKey{g.UserID, g.Gene, g.Variant}] = *g
	return nil
}

func (r genomicsRepo) GeneticInfo(_ context.Context, userID int64) ([]*genomics.GeneticInfo, error) {
	var out []*genomics.GeneticInfo
	for k, g := range r.t.st.genetics {
		if k.userID == userID {
			g := g
			out = append(out, &g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Gene != out[j].Gene {
			return out[i].Gene < out[j].Gene
		}
		return out[i].Variant < out[j].Variant
	})
	return out, nil
}

func (r genomicsRepo) MedicationIDByName(_ context.Context, name string) (int64, error) {
	var best int64
	for id, n := range r.t.st.medications {
		if strings.EqualFold(n, name) && (best == 0 || id < best) {
			best = id
		}
	}
	if best == 0 {
		return 0, fmt.Errorf("%q: %w", name, genomics.ErrMedicationNotFound)
	}
	return best, nil
}

func (r genomicsRepo) UpsertDrugReview(_ context.Context, d *conflict.DrugReview) error {
	for id, cur := range r.t.st.drugReviews {
		if cur.UserID == d.UserID && cur.MedicationID == d.MedicationID && cur.Gene == d.Gene && cur.Variant == d.Variant {
			d.ID = id
			r.t.st.drugReviews[id] = *d
			return nil
		}
	}
	d.ID = r.t.st.next("drug_review")
	r.t.st.drugReviews[d.ID] = *d
	return nil
}

// contacts

type contactRepo struct{ t *tx }

func (r contactRepo) Create(_ context.Context, c *contact.Request) error {
	c.ID = r.t.st.next("contact")
	r.t.st.contacts[c.ID] = *c
	return nil
}

func (r contactRepo) Get(_ context.Context, id int64) (*contact.Request, error) {
	c, ok := r.t.st.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact request %d: %w", id, contact.ErrNotFound)
	}
	return &c, nil
}

func (r contactRepo) FindPending(_ context.Context, userID int64, rxID *int64, t contact.RequestType) (*contact.Request, error) {
	for _, c := range r.t.st.contacts {
		if c.UserID == userID && c.Type == t && c.Status == contact.StatusPending && sameID(c.PrescriptionID, rxID) {
			return &c, nil
		}
	}
	return nil, contact.ErrNotFound
}

func sameID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r contactRepo) ListPending(_ context.Context, limit, offset int) ([]*contact.Request, error) {
	var out []*contact.Request
	for _, c := range r.t.st.contacts {
		if c.Status == contact.StatusPending {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r contactRepo) LogFax(_ context.Context, l *contact.FaxLog) error {
	l.ID = r.t.st.next("fax")
	r.t.st.faxes = append(r.t.st.faxes, *l)
	return nil
}

func (r contactRepo) IncrementFaxCount(_ context.Context, id int64) error {
	c, ok := r.t.st.contacts[id]
	if !ok {
		return fmt.Errorf("contact request %d: %w", id, contact.ErrNotFound)
	}
	c.FaxSendCount++
	r.t.st.contacts[id] = c
	return nil
}

func (r contactRepo) Resolve(_ context.Context, id int64, at time.Time) error {
	c, ok := r.t.st.contacts[id]
	if !ok {
		return fmt.Errorf("contact request %d: %w", id, contact.ErrNotFound)
	}
	c.Status = contact.StatusResolved
	c.ResolvedAt = &at
	r.t.st.contacts[id] = c
	return nil
}

// outbox

type outboxRepo struct{ t *tx }

func (r outboxRepo) Write(_ context.Context, e *outbox.Entry) error {
	e.ID = r.t.st.next("outbox")
	r.t.st.outbox[e.ID] = *e
	return nil
}

func (r outboxRepo) fetch(match func(outbox.Entry) bool, limit int) []*outbox.Entry {
	var out []*outbox.Entry
	for _, e := range r.t.st.outbox {
		if match(e) {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r outboxRepo) FetchUnprocessed(_ context.Context, maxRetries, limit int) ([]*outbox.Entry, error) {
	return r.fetch(func(e outbox.Entry) bool {
		return e.ProcessedAt == nil && e.RetryCount < maxRetries
	}, limit), nil
}

func (r outboxRepo) FetchDead(_ context.Context, maxRetries, limit int) ([]*outbox.Entry, error) {
	return r.fetch(func(e outbox.Entry) bool {
		return e.ProcessedAt == nil && e.RetryCount >= maxRetries
	}, limit), nil
}

func (r outboxRepo) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	e, ok := r.t.st.outbox[id]
	if !ok {
		return fmt.Errorf("outbox entry %d not found", id)
	}
	e.ProcessedAt = &at
	r.t.st.outbox[id] = e
	return nil
}

func (r outboxRepo) MarkFailed(_ context.Context, id int64, reason string) error {
	e, ok := r.t.st.outbox[id]
	if !ok {
		return fmt.Errorf("outbox entry %d not found", id)
	}
	e.RetryCount++
	e.LastError = &reason
	r.t.st.outbox[id] = e
	return nil
}

func (r outboxRepo) DeleteProcessedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return deleteWhere(r.t.st.outbox, func(e outbox.Entry) bool {
		return e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff)
	}), nil
}

func (r outboxRepo) Stats(_ context.Context, maxRetries int) (*outbox.Stats, error) {
	s := &outbox.Stats{}
	for _, e := range r.t.st.outbox {
		if e.ProcessedAt != nil {
			continue
		}
		if e.RetryCount >= maxRetries {
			s.Failed++
			continue
		}
		s.Pending++
		if s.OldestPending == nil || e.CreatedAt.Before(*s.OldestPending) {
			t := e.CreatedAt
			s.OldestPending = &t
		}
	}
	return s, nil
}

// inbox

type inboxRepo struct{ t *tx }

func (r inboxRepo) Get(_ context.Context, key string) (*idempotency.Entry, error) {
	e, ok := r.t.st.inbox[key]
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return &e, nil
}

func (r inboxRepo) Put(_ context.Context, e *idempotency.Entry) error {
	r.t.st.inbox[e.Key] = *e
	return nil
}

func (r inboxRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for k, e := range r.t.st.inbox {
		if !e.ExpiresAt.After(now) {
			delete(r.t.st.inbox, k)
			n++
		}
	}
	return n, nil
}

// ErrNotSeeded is returned by inspection helpers for unknown rows
var ErrNotSeeded = errors.New("row not present")
