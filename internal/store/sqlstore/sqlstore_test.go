package sqlstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxfill/internal/domain/prescription"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		args      []any
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "ordered",
			query:     "SELECT * FROM t WHERE a = $1 AND b = $2",
			args:      []any{1, "x"},
			wantQuery: "SELECT * FROM t WHERE a = ? AND b = ?",
			wantArgs:  []any{1, "x"},
		},
		{
			name:      "reused placeholder expands",
			query:     "WHERE (a = $1 AND b IN ($2)) OR (b = $1 AND a IN ($2))",
			args:      []any{7, 9},
			wantQuery: "WHERE (a = ? AND b IN (?)) OR (b = ? AND a IN (?))",
			wantArgs:  []any{7, 9, 7, 9},
		},
		{
			name:      "out of order",
			query:     "UPDATE t SET a = $2 WHERE id = $1",
			args:      []any{1, "v"},
			wantQuery: "UPDATE t SET a = ? WHERE id = ?",
			wantArgs:  []any{"v", 1},
		},
		{
			name:      "quoted literal untouched",
			query:     "SELECT '$1', a FROM t WHERE b = $1",
			args:      []any{3},
			wantQuery: "SELECT '$1', a FROM t WHERE b = ?",
			wantArgs:  []any{3},
		},
		{
			name:      "two digit placeholder",
			query:     "VALUES ($1, $10, $11)",
			args:      []any{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
			wantQuery: "VALUES (?, ?, ?)",
			wantArgs:  []any{1, 10, 11},
		},
		{
			name:      "no placeholders",
			query:     "SAVEPOINT sp_1",
			wantQuery: "SAVEPOINT sp_1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args, err := Rebind(tt.query, tt.args)
			require.NoError(t, err)
			assert.Equal(t, tt.wantQuery, q)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestRebind_MissingArgument(t *testing.T) {
	_, _, err := Rebind("SELECT $2", []any{1})
	assert.Error(t, err)
}

func TestInStatuses(t *testing.T) {
	where, args, err := inStatuses("a.status", []prescription.Status{prescription.StatusPending, prescription.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, "a.status IN ($1,$2)", where)
	assert.Equal(t, []any{"pending", "in_progress"}, args)
}

type recordingQuerier struct {
	Querier
	stmts []string
	args  [][]any
}

func (r *recordingQuerier) Exec(_ context.Context, q string, args ...any) (int64, error) {
	r.stmts = append(r.stmts, q)
	r.args = append(r.args, args)
	return 0, nil
}

var errRecorded = errors.New("recorded")

func (r *recordingQuerier) Query(_ context.Context, q string, args ...any) (Rows, error) {
	r.stmts = append(r.stmts, q)
	r.args = append(r.args, args)
	return nil, errRecorded
}

func TestSavepoints(t *testing.T) {
	ctx := context.Background()

	t.Run("release on success", func(t *testing.T) {
		q := &recordingQuerier{}
		var sp Savepoints
		err := sp.Run(ctx, q, func(ctx context.Context) error {
			return sp.Run(ctx, q, func(context.Context) error { return nil })
		})
		require.NoError(t, err)
		assert.Equal(t, []string{
			"SAVEPOINT sp_1",
			"SAVEPOINT sp_2",
			"RELEASE SAVEPOINT sp_2",
			"RELEASE SAVEPOINT sp_1",
		}, q.stmts)
	})

	t.Run("rollback on failure", func(t *testing.T) {
		q := &recordingQuerier{}
		var sp Savepoints
		boom := errors.New("boom")
		err := sp.Run(ctx, q, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []string{"SAVEPOINT sp_1", "ROLLBACK TO SAVEPOINT sp_1"}, q.stmts)
	})
}

func TestNotFound(t *testing.T) {
	sentinel := errors.New("thing not found")
	assert.ErrorIs(t, notFound(ErrNoRows, sentinel, "thing 1"), sentinel)

	other := errors.New("connection reset")
	err := notFound(other, sentinel, "thing 1")
	assert.ErrorIs(t, err, other)
	assert.NotErrorIs(t, err, sentinel)
}

func TestStatements(t *testing.T) {
	script := `-- header
CREATE TABLE a (id INT);

-- second
CREATE TABLE b (
    id INT
);
`
	stmts := Statements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INT)", stmts[0])
	assert.Equal(t, "CREATE TABLE b (\n    id INT\n)", stmts[1])
}

func TestRemoveKeepsResolvedReviews(t *testing.T) {
	ctx := context.Background()
	q := &recordingQuerier{}
	repo := prescriptionRepo{q: q}

	_, err := repo.Remove(ctx, prescription.QueueDrugReview, 9)
	require.NoError(t, err)
	_, err = repo.Remove(ctx, prescription.QueueReception, 9)
	require.NoError(t, err)

	assert.Equal(t, "DELETE FROM drugreviewqueue WHERE prescription_id = $1 AND status = $2", q.stmts[0])
	assert.Equal(t, []any{int64(9), "pending"}, q.args[0])
	assert.Equal(t, "DELETE FROM "+prescription.QueueReception.Table()+" WHERE prescription_id = $1", q.stmts[1])
	assert.Equal(t, []any{int64(9)}, q.args[1])
}

func TestCoPrescribedExcludesOffProfileStatuses(t *testing.T) {
	q := &recordingQuerier{}
	_, err := conflictRepo{q: q}.CoPrescribed(context.Background(), 7, 42)
	require.ErrorIs(t, err, errRecorded)

	assert.Equal(t, "SELECT DISTINCT medication_id FROM ActivatedPrescriptions WHERE user_id = $1 AND medication_id <> $2 AND status NOT IN ($3,$4,$5,$6) ORDER BY medication_id", q.stmts[0])
	assert.Equal(t, []any{int64(7), int64(42), "rejected", "released_to_pickup", "completed", "cancelled_not_dispensed"}, q.args[0])
}

func TestInteractionsQueryBindsForMySQL(t *testing.T) {
	q := &recordingQuerier{}
	_, err := conflictRepo{q: q}.Interactions(context.Background(), 42, []int64{43, 44})
	require.ErrorIs(t, err, errRecorded)
	assert.Contains(t, q.stmts[0], "FROM drug_drug_interactions i")
	assert.Contains(t, q.stmts[0], "(i.medication_id_1 = $3 AND i.medication_id_2 IN ($4,$5))")

	bound, args, err := Rebind(q.stmts[0], q.args[0])
	require.NoError(t, err)
	assert.NotContains(t, bound, "$")
	assert.Equal(t, []any{int64(42), int64(42), int64(42), int64(43), int64(44), int64(42), int64(43), int64(44)}, args)
}
