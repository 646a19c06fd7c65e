package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lendingdesk/internal/apperr"
	"lendingdesk/internal/circulation"
	"lendingdesk/internal/clock"
)

func newRunner() *Runner {
	logger, _ := test.NewNullLogger()
	return NewRunner(nil, clock.NewFixed(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)), logger)
}

func constant(v float64) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) { return v, nil }
}

func TestEvaluateThreshold(t *testing.T) {
	cases := []struct {
		value float64
		th    Threshold
		want  bool
	}{
		{0, Threshold{"==", 0}, true},
		{1, Threshold{"==", 0}, false},
		{2, Threshold{">", 1}, true},
		{1, Threshold{">=", 1}, true},
		{0, Threshold{"<", 1}, true},
		{2, Threshold{"<=", 1}, false},
		{1, Threshold{"!=", 1}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluateThreshold(tc.value, tc.th), "%v %s %v", tc.value, tc.th.Operator, tc.th.Value)
	}
}

func TestRunChecks(t *testing.T) {
	r := newRunner()
	r.Register(
		Check{Name: "clean", Query: constant(0), Threshold: Threshold{"==", 0}},
		Check{Name: "dirty", Query: constant(3), Threshold: Threshold{"==", 0}},
		Check{Name: "broken", Query: func(context.Context) (float64, error) { return 0, errors.New("boom") }, Threshold: Threshold{">=", 0}},
	)

	report := r.RunChecks(context.Background())
	require.Len(t, report.Results, 3)
	assert.True(t, report.Results[0].Passed)
	assert.False(t, report.Results[1].Passed)
	assert.Equal(t, float64(3), report.Results[1].Value)
	assert.False(t, report.Results[2].Passed)
	assert.Equal(t, "boom", report.Results[2].Error)
	assert.False(t, report.Healthy())
}

type racingLender struct {
	mu         sync.Mutex
	issued     uuid.UUID
	returned   []uuid.UUID
	fail       error
	returnFail error
}

func (f *racingLender) Issue(context.Context, circulation.IssueRequest) (*circulation.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	if f.issued != uuid.Nil {
		return nil, apperr.InvalidState("fake", "item already issued")
	}
	f.issued = uuid.New()
	return &circulation.Transaction{ID: f.issued}, nil
}

func (f *racingLender) ReturnItem(_ context.Context, req circulation.ReturnRequest) (*circulation.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.returnFail != nil {
		return nil, f.returnFail
	}
	f.returned = append(f.returned, req.TransactionID)
	return &circulation.Transaction{ID: req.TransactionID, Status: circulation.StatusReturned}, nil
}

func TestConcurrentIssueExperimentHolds(t *testing.T) {
	r := newRunner()
	lender := &racingLender{}
	exp := r.ConcurrentIssueExperiment(lender, circulation.IssueRequest{ItemID: uuid.New()}, 12)
	exp.SteadyState = exp.SteadyState[1:] // drop the database-backed check

	result, err := r.RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, result.SteadyStateValid)
	assert.True(t, result.HypothesisHeld, result.Failures)
	assert.Equal(t, float64(1), result.Observations["issue_successes"])
	assert.Empty(t, result.ErrorEvents)
	assert.True(t, result.RolledBack)
	assert.Equal(t, []uuid.UUID{lender.issued}, lender.returned)
}

func TestConcurrentIssueExperimentReportsFailedReturn(t *testing.T) {
	r := newRunner()
	lender := &racingLender{returnFail: errors.New("connection reset")}
	exp := r.ConcurrentIssueExperiment(lender, circulation.IssueRequest{ItemID: uuid.New()}, 3)
	exp.SteadyState = exp.SteadyState[1:]

	result, err := r.RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld, result.Failures)
	assert.False(t, result.RolledBack)
	require.Len(t, result.ErrorEvents, 1)
	assert.Contains(t, result.ErrorEvents[0].Error, "connection reset")
}

func TestConcurrentIssueExperimentDetectsUnexpectedErrors(t *testing.T) {
	r := newRunner()
	lender := &racingLender{fail: errors.New("connection reset")}
	exp := r.ConcurrentIssueExperiment(lender, circulation.IssueRequest{}, 4)
	exp.SteadyState = exp.SteadyState[1:]

	result, err := r.RunExperiment(context.Background(), exp)
	require.NoError(t, err)
	assert.False(t, result.HypothesisHeld)
	assert.Equal(t, float64(4), result.Observations["unexpected_failures"])
	assert.Len(t, result.ErrorEvents, 1)
	assert.Contains(t, result.Failures, "exactly one concurrent issue should succeed")
	assert.Empty(t, lender.returned)
}

func TestExperimentAbortsOnInvalidSteadyState(t *testing.T) {
	r := newRunner()
	ran := false
	exp := Experiment{
		Name:        "never-runs",
		SteadyState: []Check{{Name: "dirty", Query: constant(1), Threshold: Threshold{"==", 0}}},
		Method:      []Action{{Execute: func(context.Context) error { ran = true; return nil }}},
	}

	result, err := r.RunExperiment(context.Background(), exp)
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.Len(t, result.Violations, 1)
	assert.False(t, ran)
}

func TestUnpaidFinesCheckCoversEveryStatus(t *testing.T) {
	byName := map[string]Check{}
	for _, c := range newRunner().DefaultChecks() {
		byName[c.Name] = c
	}

	unpaid, ok := byName["unpaid_fines"]
	require.True(t, ok)
	assert.NotContains(t, unpaid.Description, "returned")
	assert.NotContains(t, unpaidFinesSQL, "status")
	assert.Equal(t, Threshold{Operator: ">=", Value: 0}, unpaid.Threshold)
}
