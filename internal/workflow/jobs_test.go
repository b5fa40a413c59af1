package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/pharmgkb"
	"github.com/drfirst/go-rxfill/pkg/workerpool"
)

type stubAnnotator struct{}

func (stubAnnotator) VariantConflicts(ctx context.Context, rsid string) ([]pharmgkb.Conflict, error) {
	if rsid != "rs4244285" {
		return nil, nil
	}
	return []pharmgkb.Conflict{
		{MedicationName: "clopidogrel", Risk: conflict.RiskHigh, Score: 4.5, Sentence: "poor metabolizer"},
		{MedicationName: "not-on-formulary", Risk: conflict.RiskLow, Score: 1},
	}, nil
}

const patientVCF = "##fileformat=VCFv4.2\n" +
	"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\tFORMAT\tPATIENT\n" +
	"10\t94781859\trs4244285\tG\tA\t99\tPASS\tGENE=CYP2C19\tGT\t0/1\n" +
	"22\t42126611\trs16947\tG\tA\t99\tPASS\tGENE=CYP2D6\tGT\t1/1\n"

func newJobs(t *testing.T, f *fixture) *GenomicsJobs {
	t.Helper()
	jobs, err := NewGenomicsJobs(f.engine, genomics.NewProcessor(stubAnnotator{}, nil),
		workerpool.Config{Workers: 1, QueueSize: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Stop() })
	return jobs
}

func waitJob(t *testing.T, done <-chan *Job) *Job {
	t.Helper()
	select {
	case j := <-done:
		return j
	case <-time.After(5 * time.Second):
		t.Fatal("genomics job did not finish")
		return nil
	}
}

func TestGenomicsImportGatesNextDataEntry(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	jobs := newJobs(t, f)

	queued, done, err := jobs.Submit(context.Background(), patientID, []byte(patientVCF))
	require.NoError(t, err)
	assert.NotEmpty(t, queued.ID)

	job := waitJob(t, done)
	require.Equal(t, JobSucceeded, job.State, job.Error)
	assert.Equal(t, 2, job.Imported.Variants)
	assert.Equal(t, 1, job.Imported.DrugReviews)
	assert.Equal(t, []string{"not-on-formulary"}, job.Imported.UnknownDrugs)
	assert.Equal(t, "PATIENT", job.Result.SampleName)

	genetics, err := f.engine.PatientGenetics(context.Background(), patientID)
	require.NoError(t, err)
	assert.Len(t, genetics, 2)

	rx := f.intake(t, medID, 30)
	res := f.dataEntry(t, rx.ID, 30)
	assert.True(t, res.Conflict)
	assert.Equal(t, conflict.RiskHigh, res.Risk)
	assert.Equal(t, prescription.StatusDrugReviewPending, res.Prescription.Status)

	got, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, got.State)
}

func TestGenomicsJobFailsWithoutVariants(t *testing.T) {
	f := newFixture(t, audit.BestEffort)
	jobs := newJobs(t, f)

	_, done, err := jobs.Submit(context.Background(), patientID, []byte("##fileformat=VCFv4.2\n"))
	require.NoError(t, err)
	job := waitJob(t, done)
	assert.Equal(t, JobFailed, job.State)
	assert.Contains(t, job.Error, genomics.ErrNoVariants.Error())
}

func TestGenomicsSubmitValidation(t *testing.T) {
	jobs := newJobs(t, newFixture(t, audit.BestEffort))

	_, _, err := jobs.Submit(context.Background(), 0, []byte(patientVCF))
	assert.True(t, IsValidation(err))
	_, _, err = jobs.Submit(context.Background(), patientID, nil)
	assert.True(t, IsValidation(err))
	_, err = jobs.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
