// Package maintenance runs consistency checks, repairs and experiments
// against the lending database.
package maintenance

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lendingdesk/internal/clock"
)

// Check is a measurable property of the stored data.
type Check struct {
	Name        string
	Description string
	Query       func(context.Context) (float64, error)
	Threshold   Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

type CheckResult struct {
	Name     string    `json:"name"`
	Value    float64   `json:"value"`
	Operator string    `json:"operator"`
	Expected float64   `json:"expected"`
	Passed   bool      `json:"passed"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type Report struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Results   []CheckResult `json:"results"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Action is one step of an experiment.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

// Assertion is evaluated against the value a check reports after the
// experiment's method has run.
type Assertion struct {
	Check     string
	Condition func(float64) bool
	Message   string
}

// Experiment verifies a hypothesis: the steady-state checks hold before
// and after Method runs, and every assertion holds afterwards. Rollback
// undoes what Method changed once the observations are taken.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Check
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

type ExperimentResult struct {
	ExperimentName   string             `json:"experiment_name"`
	StartTime        time.Time          `json:"start_time"`
	EndTime          time.Time          `json:"end_time"`
	SteadyStateValid bool               `json:"steady_state_valid"`
	HypothesisHeld   bool               `json:"hypothesis_held"`
	RolledBack       bool               `json:"rolled_back"`
	Violations       []CheckResult      `json:"violations"`
	Observations     map[string]float64 `json:"observations"`
	Failures         []string           `json:"failures,omitempty"`
	ErrorEvents      []ErrorEvent       `json:"error_events"`
}

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Runner evaluates checks and experiments.
type Runner struct {
	db     *sqlx.DB
	checks []Check
	clock  clock.Clock
	tracer trace.Tracer
	logger logrus.FieldLogger
}

func NewRunner(db *sqlx.DB, clk clock.Clock, logger logrus.FieldLogger) *Runner {
	return &Runner{
		db:     db,
		clock:  clk,
		tracer: otel.Tracer("lendingdesk/maintenance"),
		logger: logger.WithField("component", "maintenance"),
	}
}

func (r *Runner) Register(checks ...Check) {
	r.checks = append(r.checks, checks...)
}

func (r *Runner) Checks() []Check {
	return r.checks
}

// RunChecks evaluates every registered check. A check whose query fails
// is reported as not passed.
func (r *Runner) RunChecks(ctx context.Context) Report {
	ctx, span := r.tracer.Start(ctx, "maintenance.run_checks")
	defer span.End()

	report := Report{StartTime: r.clock.Now()}
	report.Results = r.evaluate(ctx, r.checks)
	report.EndTime = r.clock.Now()

	for _, res := range report.Results {
		entry := r.logger.WithFields(logrus.Fields{"check": res.Name, "value": res.Value})
		if res.Passed {
			entry.Info("check passed")
		} else {
			entry.WithField("error", res.Error).Warn("check failed")
		}
	}
	span.SetAttributes(attribute.Bool("healthy", report.Healthy()))
	return report
}

func (r *Runner) evaluate(ctx context.Context, checks []Check) []CheckResult {
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		res := CheckResult{Name: c.Name, Operator: c.Threshold.Operator, Expected: c.Threshold.Value, At: r.clock.Now()}
		value, err := c.Query(ctx)
		if err != nil {
			res.Value = -1
			res.Error = err.Error()
		} else {
			res.Value = value
			res.Passed = evaluateThreshold(value, c.Threshold)
		}
		results = append(results, res)
	}
	return results
}

// RunExperiment executes a single experiment.
func (r *Runner) RunExperiment(ctx context.Context, exp Experiment) (*ExperimentResult, error) {
	ctx, span := r.tracer.Start(ctx, "maintenance.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &ExperimentResult{
		ExperimentName: exp.Name,
		StartTime:      r.clock.Now(),
		Observations:   map[string]float64{},
		ErrorEvents:    []ErrorEvent{},
	}

	span.AddEvent("validating_steady_state")
	for _, res := range r.evaluate(ctx, exp.SteadyState) {
		if !res.Passed {
			result.Violations = append(result.Violations, res)
		}
	}
	if len(result.Violations) > 0 {
		result.EndTime = r.clock.Now()
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("running_method")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: r.clock.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("observing")
	for _, res := range r.evaluate(ctx, exp.SteadyState) {
		result.Observations[res.Name] = res.Value
		if !res.Passed {
			result.Violations = append(result.Violations, res)
		}
	}

	span.AddEvent("rolling_back")
	result.RolledBack = true
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.RolledBack = false
			result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
				Timestamp: r.clock.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			span.RecordError(err)
		}
	}

	span.AddEvent("validating_assertions")
	result.HypothesisHeld = len(result.Violations) == 0
	for _, a := range exp.Validation {
		value, ok := result.Observations[a.Check]
		if !ok || !a.Condition(value) {
			result.HypothesisHeld = false
			result.Failures = append(result.Failures, a.Message)
		}
	}
	result.EndTime = r.clock.Now()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	r.logger.WithFields(logrus.Fields{
		"experiment":      exp.Name,
		"hypothesis_held": result.HypothesisHeld,
		"violations":      len(result.Violations),
		"rolled_back":     result.RolledBack,
	}).Info("experiment finished")
	return result, nil
}

func evaluateThreshold(value float64, threshold Threshold) bool {
	switch threshold.Operator {
	case ">":
		return value > threshold.Value
	case "<":
		return value < threshold.Value
	case ">=":
		return value >= threshold.Value
	case "<=":
		return value <= threshold.Value
	case "==":
		return value == threshold.Value
	default:
		return false
	}
}
