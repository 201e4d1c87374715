package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
)

// fakeStore models the corrective statement's contract against an in-memory
// table: every parent whose stored counter disagrees with the true detail
// count is set to the true count, in one operation.
type fakeStore struct {
	counters map[string]int64 // parent id -> stored counter
	details  map[string]int64 // parent id -> actual detail rows
	execs    int
	err      error
}

type fakeResult struct{ affected int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.affected, nil }

func (s *fakeStore) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	s.execs++
	if s.err != nil {
		return nil, s.err
	}
	if !strings.Contains(query, "UPDATE") {
		return nil, fmt.Errorf("unexpected statement: %s", query)
	}
	var affected int64
	for id := range s.counters {
		if s.counters[id] != s.details[id] {
			s.counters[id] = s.details[id]
			affected++
		}
	}
	return fakeResult{affected: affected}, nil
}

var commentCounter = CounterSpec{
	ParentTable:   "characters",
	ParentKey:     "id",
	CounterColumn: "comment_count",
	DetailTable:   "comments",
	DetailFK:      "character_id",
}

func TestRunCorrectsDrift(t *testing.T) {
	store := &fakeStore{
		counters: map[string]int64{"char-1": 5, "char-2": 2},
		details:  map[string]int64{"char-1": 3, "char-2": 2},
	}
	r := New(store, commentCounter)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.UpdatedRows < 1 {
		t.Errorf("updatedRows = %d, want >= 1", report.UpdatedRows)
	}
	if store.counters["char-1"] != 3 {
		t.Errorf("counter = %d, want 3", store.counters["char-1"])
	}
	if store.counters["char-2"] != 2 {
		t.Errorf("already-correct counter changed to %d", store.counters["char-2"])
	}
	if report.CountersChecked != 1 {
		t.Errorf("countersChecked = %d, want 1", report.CountersChecked)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := &fakeStore{
		counters: map[string]int64{"char-1": 5},
		details:  map[string]int64{"char-1": 3},
	}
	r := New(store, commentCounter)

	first, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if first.UpdatedRows != 1 {
		t.Fatalf("first run updatedRows = %d, want 1", first.UpdatedRows)
	}

	second, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if second.UpdatedRows != 0 {
		t.Errorf("second run updatedRows = %d, want 0", second.UpdatedRows)
	}
}

func TestRunZeroUpdatesIsSuccess(t *testing.T) {
	store := &fakeStore{
		counters: map[string]int64{"char-1": 0},
		details:  map[string]int64{"char-1": 0},
	}
	r := New(store, commentCounter)

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.UpdatedRows != 0 {
		t.Errorf("updatedRows = %d, want 0", report.UpdatedRows)
	}
}

func TestRunAbortsOnStoreError(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("connection reset")}
	r := New(store, commentCounter, CounterSpec{
		ParentTable:   "conversations",
		ParentKey:     "id",
		CounterColumn: "message_count",
		DetailTable:   "messages",
		DetailFK:      "conversation_id",
	})

	_, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded despite store error")
	}
	if store.execs != 1 {
		t.Errorf("execs = %d, want 1 (run aborts on first failure)", store.execs)
	}
}

func TestCorrectionSQLIsSingleSetBasedStatement(t *testing.T) {
	query := commentCounter.correctionSQL()

	if n := strings.Count(query, "UPDATE"); n != 1 {
		t.Errorf("statement count = %d, want a single UPDATE", n)
	}
	for _, fragment := range []string{
		"UPDATE characters",
		"SET comment_count",
		"LEFT JOIN comments",
		"COUNT(d.character_id)",
		"IS DISTINCT FROM",
	} {
		if !strings.Contains(query, fragment) {
			t.Errorf("corrective statement missing %q:\n%s", fragment, query)
		}
	}
}
