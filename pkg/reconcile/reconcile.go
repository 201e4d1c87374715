// Package reconcile repairs denormalized counters that have drifted from
// their authoritative detail rows. Each counter is corrected by a single
// set-based UPDATE driven by an aggregate subquery, so the true count is
// computed and applied at one consistent read with no application-memory gap
// for concurrent inserts or deletes to race into. Runs are idempotent and
// tolerate overlap; zero corrected rows is the normal steady state.
package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DB is the slice of *sql.DB the reconciler needs.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CounterSpec names one cached counter and the detail rows that define its
// true value: parent.Counter must equal COUNT(detail rows whose FK references
// the parent). Table and column names are operator configuration, never user
// input.
type CounterSpec struct {
	ParentTable   string
	ParentKey     string
	CounterColumn string
	DetailTable   string
	DetailFK      string
}

func (s CounterSpec) String() string {
	return fmt.Sprintf("%s.%s", s.ParentTable, s.CounterColumn)
}

// correctionSQL builds the corrective statement for one counter. The LEFT
// JOIN covers parents with zero detail rows, and IS DISTINCT FROM restricts
// the write set to rows that actually drifted (including NULL counters).
func (s CounterSpec) correctionSQL() string {
	return fmt.Sprintf(`
		UPDATE %[1]s AS parent
		SET %[3]s = agg.true_count
		FROM (
			SELECT p.%[2]s AS id, COUNT(d.%[5]s) AS true_count
			FROM %[1]s p
			LEFT JOIN %[4]s d ON d.%[5]s = p.%[2]s
			GROUP BY p.%[2]s
		) AS agg
		WHERE agg.id = parent.%[2]s
		  AND parent.%[3]s IS DISTINCT FROM agg.true_count`,
		s.ParentTable, s.ParentKey, s.CounterColumn, s.DetailTable, s.DetailFK)
}

// Report describes one reconciliation pass. It is logged, not persisted.
type Report struct {
	StartedAt       time.Time     `json:"startedAt"`
	Duration        time.Duration `json:"duration"`
	CountersChecked int           `json:"countersChecked"`
	UpdatedRows     int64         `json:"updatedRows"`
}

// Reconciler corrects a fixed set of counters against the relational store.
type Reconciler struct {
	db    DB
	specs []CounterSpec
}

func New(db DB, specs ...CounterSpec) *Reconciler {
	return &Reconciler{db: db, specs: specs}
}

// Run executes one corrective statement per counter and reports how many
// rows were updated in total. A store error aborts the run; no partial
// application is assumed beyond the atomicity of each single statement, and
// the periodic scheduler provides the retry.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now()}

	for _, spec := range r.specs {
		res, err := r.db.ExecContext(ctx, spec.correctionSQL())
		if err != nil {
			return report, fmt.Errorf("correct %s: %w", spec, err)
		}
		updated, err := res.RowsAffected()
		if err != nil {
			return report, fmt.Errorf("rows affected for %s: %w", spec, err)
		}
		report.CountersChecked++
		report.UpdatedRows += updated
		if updated > 0 {
			slog.Info("Corrected drifted counters", "counter", spec.String(), "rows", updated)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	return report, nil
}
