package handlers

import (
	"time"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

// PrescriptionView is the wire form of an active prescription
type PrescriptionView struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	MedicationID      int64     `json:"medication_id"`
	QuantityDispensed int       `json:"quantity_dispensed"`
	Status            string    `json:"status"`
	RxNumber          string    `json:"rx_number"`
	RxStoreNum        string    `json:"rx_store_num"`
	StoreNumber       string    `json:"store_number"`
	PrescriberID      *int64    `json:"prescriber_id,omitempty"`
	Refills           int       `json:"refills"`
	FillDate          time.Time `json:"fill_date"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func prescriptionView(p *prescription.Prescription) *PrescriptionView {
	if p == nil {
		return nil
	}
	return &PrescriptionView{
		ID:                p.ID,
		UserID:            p.UserID,
		MedicationID:      p.MedicationID,
		QuantityDispensed: p.QuantityDispensed,
		Status:            string(p.Status),
		RxNumber:          p.RxNumber,
		RxStoreNum:        p.RxStoreNum,
		StoreNumber:       p.StoreNumber,
		PrescriberID:      p.PrescriberID,
		Refills:           p.Refills,
		FillDate:          p.FillDate,
		UpdatedAt:         p.UpdatedAt,
	}
}

// QueueItemView is one row of a work queue
type QueueItemView struct {
	PrescriptionID int64     `json:"prescription_id"`
	UserID         int64     `json:"user_id"`
	MedicationID   int64     `json:"medication_id"`
	PatientName    string    `json:"patient_name"`
	MedicationName string    `json:"medication_name"`
	Quantity       int       `json:"quantity"`
	Status         string    `json:"status"`
	RiskLevel      string    `json:"risk_level,omitempty"`
	RxNumber       string    `json:"rx_number,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func queueItemViews(items []*prescription.QueueItem) []*QueueItemView {
	out := make([]*QueueItemView, 0, len(items))
	for _, it := range items {
		out = append(out, &QueueItemView{
			PrescriptionID: it.PrescriptionID,
			UserID:         it.UserID,
			MedicationID:   it.MedicationID,
			PatientName:    it.PatientName,
			MedicationName: it.MedicationName,
			Quantity:       it.Quantity,
			Status:         it.Status,
			RiskLevel:      string(it.RiskLevel),
			RxNumber:       it.RxNumber,
			CreatedAt:      it.CreatedAt,
		})
	}
	return out
}

// InteractionView is a detected drug-drug interaction
type InteractionView struct {
	OtherMedicationID   int64  `json:"other_medication_id"`
	OtherMedicationName string `json:"other_medication_name"`
	Severity            string `json:"severity"`
	Description         string `json:"description"`
}

func interactionViews(in []*conflict.Interaction) []*InteractionView {
	out := make([]*InteractionView, 0, len(in))
	for _, i := range in {
		out = append(out, &InteractionView{
			OtherMedicationID:   i.OtherMedicationID,
			OtherMedicationName: i.OtherMedicationName,
			Severity:            i.Severity,
			Description:         i.Description,
		})
	}
	return out
}

// BottleView is a stock bottle
type BottleView struct {
	ID             int64     `json:"id"`
	MedicationID   int64     `json:"medication_id"`
	NDC            string    `json:"ndc"`
	Kind           string    `json:"kind"`
	Lot            string    `json:"lot,omitempty"`
	Quantity       int       `json:"quantity"`
	ExpirationDate time.Time `json:"expiration_date"`
	Status         string    `json:"status"`
	DaysUntil      *int      `json:"days_until_expiration,omitempty"`
	Priority       string    `json:"priority,omitempty"`
}

func bottleView(b *inventory.Bottle) *BottleView {
	return &BottleView{
		ID:             b.ID,
		MedicationID:   b.MedicationID,
		NDC:            b.NDC,
		Kind:           string(b.Kind),
		Lot:            b.Lot,
		Quantity:       b.Quantity,
		ExpirationDate: b.ExpirationDate,
		Status:         string(b.Status),
	}
}

func expiringViews(in []*inventory.ExpiringBottle) []*BottleView {
	out := make([]*BottleView, 0, len(in))
	for _, e := range in {
		v := bottleView(e.Bottle)
		days := e.DaysUntil
		v.DaysUntil = &days
		v.Priority = string(e.Priority)
		out = append(out, v)
	}
	return out
}

// AllocationView binds bottle stock to a prescription
type AllocationView struct {
	ID             int64     `json:"id"`
	BottleID       int64     `json:"bottle_id"`
	PrescriptionID int64     `json:"prescription_id"`
	QuantityUsed   int       `json:"quantity_used"`
	StartDate      time.Time `json:"start_date"`
}

// AuditEntryView is one recorded transition
type AuditEntryView struct {
	ID          int64     `json:"id"`
	FromStatus  string    `json:"from_status,omitempty"`
	ToStatus    string    `json:"to_status"`
	Action      string    `json:"action"`
	PerformedBy string    `json:"performed_by"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func auditViews(in []*audit.Entry) []*AuditEntryView {
	out := make([]*AuditEntryView, 0, len(in))
	for _, e := range in {
		out = append(out, &AuditEntryView{
			ID:          e.ID,
			FromStatus:  e.FromStatus,
			ToStatus:    e.ToStatus,
			Action:      e.Action,
			PerformedBy: e.PerformedBy,
			Notes:       e.Notes,
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}

// HistoryView is a patient history record
type HistoryView struct {
	ID                   int64     `json:"id"`
	SourcePrescriptionID int64     `json:"source_prescription_id"`
	MedicationID         int64     `json:"medication_id"`
	QuantityDispensed    int       `json:"quantity_dispensed"`
	RefillsRemaining     int       `json:"refills_remaining"`
	Instructions         string    `json:"instructions"`
	Status               string    `json:"status"`
	RxStoreNum           string    `json:"rx_store_num"`
	FillDate             time.Time `json:"fill_date"`
	LastFillDate         time.Time `json:"last_fill_date"`
}

func historyViews(in []*prescription.HistoryRecord) []*HistoryView {
	out := make([]*HistoryView, 0, len(in))
	for _, h := range in {
		out = append(out, &HistoryView{
			ID:                   h.ID,
			SourcePrescriptionID: h.SourcePrescriptionID,
			MedicationID:         h.MedicationID,
			QuantityDispensed:    h.QuantityDispensed,
			RefillsRemaining:     h.RefillsRemaining,
			Instructions:         h.Instructions,
			Status:               string(h.Status),
			RxStoreNum:           h.RxStoreNum,
			FillDate:             h.FillDate,
			LastFillDate:         h.LastFillDate,
		})
	}
	return out
}

// GeneticInfoView is one stored genetic marker
type GeneticInfoView struct {
	Gene       string    `json:"gene"`
	Variant    string    `json:"variant"`
	Genotype   string    `json:"genotype"`
	DateTested time.Time `json:"date_tested"`
}

func geneticViews(in []*genomics.GeneticInfo) []*GeneticInfoView {
	out := make([]*GeneticInfoView, 0, len(in))
	for _, g := range in {
		out = append(out, &GeneticInfoView{Gene: g.Gene, Variant: g.Variant, Genotype: g.Genotype, DateTested: g.DateTested})
	}
	return out
}

// ContactView is a prescriber contact request
type ContactView struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	PrescriptionID *int64     `json:"prescription_id,omitempty"`
	PrescriberID   *int64     `json:"prescriber_id,omitempty"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	DeliveryMethod string     `json:"delivery_method,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	FaxSendCount   int        `json:"fax_send_count"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func contactView(c *contact.Request) *ContactView {
	return &ContactView{
		ID:             c.ID,
		UserID:         c.UserID,
		PrescriptionID: c.PrescriptionID,
		PrescriberID:   c.PrescriberID,
		Type:           string(c.Type),
		Status:         c.Status,
		DeliveryMethod: c.DeliveryMethod,
		Notes:          c.Notes,
		FaxSendCount:   c.FaxSendCount,
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     c.ResolvedAt,
	}
}
