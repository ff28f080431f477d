// Package migration brings an existing SQLite file up to the current schema
// at process start. Every step is idempotent and detects its own
// precondition from the live catalog, so a run over an up-to-date database
// changes nothing.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	applog "budget/internal/log"
	"budget/internal/storage"
)

// State of a migration run.
type State string

const (
	StateNotStarted State = "not-started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	// StateFailedContinuing means at least one step failed; the process keeps
	// serving and affected features may hit schema errors.
	StateFailedContinuing State = "failed-but-continuing"
)

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepOK      StepStatus = "ok"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Step names, in execution order.
const (
	StepDetectCoreTable     = "detect_core_table"
	StepRepairShadowTables  = "repair_shadow_tables"
	StepAddColumns          = "add_columns"
	StepInferCategoryTypes  = "infer_category_types"
	StepCreateMissingTables = "create_missing_tables"
	StepProvisionOwner      = "provision_system_owner"
	StepBackfillOwners      = "backfill_owners"
	StepWidenUnique         = "widen_unique_constraints"
	StepOwnerIndexes        = "owner_indexes"
)

// coreTable marks a database that has been used before.
const coreTable = "transactions"

// errFreshDatabase ends a run early: there is nothing to migrate.
var errFreshDatabase = errors.New("fresh database")

// Step is one named unit of the migration sequence. Run returns the number
// of rows or objects it changed.
type Step struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// StepResult records how a step went.
type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	Changes  int64         `json:"changes"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Report summarizes one run.
type Report struct {
	RunID      string        `json:"run_id"`
	State      State         `json:"state"`
	Fresh      bool          `json:"fresh"`
	Steps      []StepResult  `json:"steps"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
	Panic      string        `json:"panic,omitempty"`
}

// Failed returns the names of failed steps.
func (r Report) Failed() []string {
	var names []string
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			names = append(names, s.Name)
		}
	}
	return names
}

// Step returns the result recorded for name.
func (r Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Options tune a Migrator.
type Options struct {
	// AssignOrphans gives rows without an owner to the system account.
	// When false those rows are deleted.
	AssignOrphans bool
}

// DefaultOptions returns the options used by the server.
func DefaultOptions() Options {
	return Options{AssignOrphans: true}
}

// Migrator runs the startup migration against an injected handle. All
// statements go through the handle's single connection, so it must not be
// shared with concurrent writers while Run is in progress.
type Migrator struct {
	db   *storage.DB
	log  *applog.Logger
	opts Options
	now  func() time.Time

	mu     sync.RWMutex
	state  State
	report Report
}

func New(db *storage.DB, logger *applog.Logger, opts Options) *Migrator {
	if logger == nil {
		logger = applog.Discard()
	}
	return &Migrator{
		db:    db,
		log:   logger.WithComponent(applog.ComponentMigration),
		opts:  opts,
		now:   time.Now,
		state: StateNotStarted,
	}
}

// State returns the current run state.
func (m *Migrator) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastReport returns the report of the last finished run.
func (m *Migrator) LastReport() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report, m.report.RunID != ""
}

// Done reports whether a run has finished, successfully or not.
func (m *Migrator) Done() bool {
	s := m.State()
	return s == StateCompleted || s == StateFailedContinuing
}

func (m *Migrator) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// run carries what earlier steps learned to the later ones.
type run struct {
	ownerID  int64
	hasOwner bool
}

func (m *Migrator) steps(r *run) []Step {
	return []Step{
		{Name: StepDetectCoreTable, Run: m.detectCoreTable},
		{Name: StepRepairShadowTables, Run: m.RepairShadowTables},
		{Name: StepAddColumns, Run: m.addColumns},
		{Name: StepInferCategoryTypes, Run: m.InferCategoryTypes},
		{Name: StepCreateMissingTables, Run: m.createMissingTables},
		{Name: StepProvisionOwner, Run: func(ctx context.Context) (int64, error) {
			return m.provisionOwner(ctx, r)
		}},
		{Name: StepBackfillOwners, Run: func(ctx context.Context) (int64, error) {
			return m.backfillOwners(ctx, r)
		}},
		{Name: StepWidenUnique, Run: m.widenUniqueConstraints},
		{Name: StepOwnerIndexes, Run: m.ownerIndexes},
	}
}

// Run executes every step in order and never returns an error: failures are
// recorded in the report and logged, and later steps still run.
func (m *Migrator) Run(ctx context.Context) (report Report) {
	report = Report{RunID: uuid.NewString(), StartedAt: m.now()}
	m.setState(StateRunning)

	logger := m.log.With(applog.FieldRunID, report.RunID)
	logger.InfoContext(ctx, "Database migration started", applog.FieldDBPath, m.db.Path())

	defer func() {
		if p := recover(); p != nil {
			report.Panic = fmt.Sprint(p)
			logger.ErrorContext(ctx, "Database migration aborted", "panic", report.Panic)
		}
		report.FinishedAt = m.now()
		report.Duration = report.FinishedAt.Sub(report.StartedAt)
		report.State = StateCompleted
		if report.Panic != "" || len(report.Failed()) > 0 {
			report.State = StateFailedContinuing
		}

		m.mu.Lock()
		m.state = report.State
		m.report = report
		m.mu.Unlock()

		if report.State == StateCompleted {
			logger.InfoContext(ctx, "Database migration completed",
				"fresh", report.Fresh,
				applog.FieldDuration, report.Duration.Milliseconds())
			return
		}
		logger.WarnContext(ctx, "Database migration finished with failures; some features may hit schema errors until the database is repaired",
			"failed_steps", report.Failed(),
			applog.FieldDuration, report.Duration.Milliseconds())
	}()

	r := &run{}
	skipRest := false
	for _, step := range m.steps(r) {
		if skipRest {
			report.Steps = append(report.Steps, StepResult{Name: step.Name, Status: StepSkipped})
			continue
		}
		result, err := m.runStep(ctx, logger, step)
		if errors.Is(err, errFreshDatabase) {
			report.Fresh = true
			skipRest = true
		}
		report.Steps = append(report.Steps, result)
	}
	return report
}

func (m *Migrator) runStep(ctx context.Context, logger *applog.Logger, step Step) (result StepResult, err error) {
	result = StepResult{Name: step.Name, Status: StepOK}
	start := m.now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		result.Duration = m.now().Sub(start)
		fields := applog.NewFields().WithStep(step.Name).WithRows(result.Changes)
		switch {
		case err == nil:
			logger.DebugContext(ctx, "Migration step finished", fields.ToSlice()...)
		case errors.Is(err, errFreshDatabase):
			logger.InfoContext(ctx, "No core table found, fresh database needs no migration", fields.ToSlice()...)
		default:
			result.Status = StepFailed
			result.Error = err.Error()
			logger.WarnContext(ctx, "Migration step failed", fields.WithError(err).ToSlice()...)
		}
	}()

	result.Changes, err = step.Run(ctx)
	return result, err
}

func (m *Migrator) detectCoreTable(ctx context.Context) (int64, error) {
	if !m.introspector(m.db).TableExists(ctx, coreTable) {
		return 0, errFreshDatabase
	}
	return 0, nil
}

func (m *Migrator) introspector(q storage.Querier) *Introspector {
	return NewIntrospector(q, m.log)
}

// persist flushes after a mutation. A failure only means the change is not
// yet checkpointed into the main file; it is still durable in the WAL.
func (m *Migrator) persist(ctx context.Context) {
	if err := m.db.Persist(ctx); err != nil {
		m.log.WarnContext(ctx, "Failed to persist database",
			applog.NewFields().WithOperation(applog.OpPersist).WithError(err).ToSlice()...)
	}
}
