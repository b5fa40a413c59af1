package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Priority tags a bottle in the expiration queue
type Priority string

const (
	PriorityExpired   Priority = "EXPIRED"
	PriorityCritical  Priority = "CRITICAL"
	PriorityDueToPull Priority = "Due to Pull"
	PriorityNormal    Priority = "NORMAL"
)

// DefaultExpirationWindow is the look-ahead in days when none is given
const DefaultExpirationWindow = 90

// ExpirationWindows are the look-ahead choices offered to operators
var ExpirationWindows = []int{7, 14, 30, 60, 90, 180, 365}

// Classify returns the priority for a bottle expiring in days
func Classify(days int) Priority {
	switch {
	case days < 0:
		return PriorityExpired
	case days <= 7:
		return PriorityCritical
	case days <= 90:
		return PriorityDueToPull
	default:
		return PriorityNormal
	}
}

// DaysUntil counts calendar days from asOf to expiration
func DaysUntil(expiration, asOf time.Time) int {
	e := time.Date(expiration.Year(), expiration.Month(), expiration.Day(), 0, 0, 0, 0, time.UTC)
	a := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(a).Hours() / 24)
}

// ExpiringBottle is one row of the expiration queue
type ExpiringBottle struct {
	*Bottle
	DaysUntil int
	Priority  Priority
}

// ExpirationQueue lists bottles that must be pulled from the shelf
type ExpirationQueue struct {
	now func() time.Time
}

// NewExpirationQueue creates an expiration queue
func NewExpirationQueue() *ExpirationQueue {
	return &ExpirationQueue{now: func() time.Time { return time.Now().UTC() }}
}

// Within returns bottles expiring within days, already expired included,
// ordered by days until expiration
func (q *ExpirationQueue) Within(ctx context.Context, repo Repository, days int) ([]*ExpiringBottle, error) {
	if days == 0 {
		days = DefaultExpirationWindow
	}
	if !ValidWindow(days) {
		return nil, fmt.Errorf("unsupported expiration window %d days", days)
	}

	now := q.now()
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, days+1)
	bottles, err := repo.ExpiringBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expiring bottles: %w", err)
	}

	out := make([]*ExpiringBottle, 0, len(bottles))
	for _, b := range bottles {
		d := DaysUntil(b.ExpirationDate, now)
		out = append(out, &ExpiringBottle{Bottle: b, DaysUntil: d, Priority: Classify(d)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysUntil < out[j].DaysUntil })
	return out, nil
}

// RemoveExpired deletes expired bottles that were never allocated
func (q *ExpirationQueue) RemoveExpired(ctx context.Context, repo Repository) (int64, error) {
	n, err := repo.DeleteExpired(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("remove expired: %w", err)
	}
	return n, nil
}

// ValidWindow reports whether days is one of ExpirationWindows
func ValidWindow(days int) bool {
	for _, w := range ExpirationWindows {
		if w == days {
			return true
		}
	}
	return false
}
