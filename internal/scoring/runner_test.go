package scoring

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/client"
	"github.com/corredorhq/decision-engine/internal/condition"
)

func TestResolveBandConfiguredOrder(t *testing.T) {
	// Bands resolve in configured order, not sorted order: with
	// [{50 B} {80 A}] a score of 90 satisfies the first entry and stays "B".
	bands := []Band{{Min: 50, Label: "B"}, {Min: 80, Label: "A"}}

	tests := []struct {
		score float64
		want  string
	}{
		{90, "B"},
		{80, "B"},
		{50, "B"},
		{49.9, ""},
		{0, ""},
	}
	for _, tt := range tests {
		if got := ResolveBand(bands, tt.score); got != tt.want {
			t.Errorf("ResolveBand(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestResolveBandDescendingConfig(t *testing.T) {
	bands := []Band{{Min: 80, Label: "HOT"}, {Min: 50, Label: "WARM"}, {Min: 0, Label: "COLD"}}

	tests := []struct {
		score float64
		want  string
	}{
		{90, "HOT"},
		{79, "WARM"},
		{10, "COLD"},
		{-5, ""},
	}
	for _, tt := range tests {
		if got := ResolveBand(bands, tt.score); got != tt.want {
			t.Errorf("ResolveBand(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func mustCondition(t *testing.T, src string) *condition.Node {
	t.Helper()
	n, err := condition.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse condition %s: %v", src, err)
	}
	return n
}

// scoreFixture queues the db expectations for a Score call against an
// explicit rule set: rule set header, its rules, then the client row.
func scoreFixture(t *testing.T, mock sqlmock.Sqlmock, tenantID, ruleSetID, clientID uuid.UUID, bands []Band, rules []Rule, clientDoc string) {
	t.Helper()
	bandsJSON, err := json.Marshal(bands)
	if err != nil {
		t.Fatalf("marshal bands: %v", err)
	}
	mock.ExpectQuery("SELECT (.+) FROM engine_rule_sets").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "key", "version", "name", "bands", "created_at", "active"}).
			AddRow(ruleSetID, tenantID, "default", 1, "Default", bandsJSON, time.Now(), true))

	ruleRows := sqlmock.NewRows([]string{"id", "rule_set_id", "priority", "points", "condition", "active", "created_at"})
	for _, rule := range rules {
		condJSON, err := json.Marshal(rule.Condition)
		if err != nil {
			t.Fatalf("marshal condition: %v", err)
		}
		ruleRows.AddRow(rule.ID, ruleSetID, rule.Priority, rule.Points, condJSON, rule.Active, time.Now())
	}
	mock.ExpectQuery("SELECT (.+) FROM engine_rules").WillReturnRows(ruleRows)

	mock.ExpectQuery("SELECT (.+) FROM engine_clients").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "data", "created_at", "updated_at"}).
			AddRow(clientID, tenantID, []byte(clientDoc), time.Now(), time.Now()))
}

func TestScoreAccumulatesPointsAndResolvesBand(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := uuid.New()
	ruleSetID := uuid.New()
	clientID := uuid.New()
	runner := NewRunner(NewStore(db, nil), client.NewStore(db))

	rules := []Rule{
		{ID: uuid.New(), Priority: 1, Points: 40, Active: true,
			Condition: mustCondition(t, `{"field":"telefono","op":"exists","value":null}`)},
		{ID: uuid.New(), Priority: 2, Points: 30, Active: true,
			Condition: mustCondition(t, `{"field":"cuota_paga","op":"eq","value":"NO"}`)},
		{ID: uuid.New(), Priority: 3, Points: 100, Active: false,
			Condition: mustCondition(t, `{"field":"email","op":"exists","value":null}`)},
	}
	bands := []Band{{Min: 80, Label: "HOT"}, {Min: 50, Label: "WARM"}}

	scoreFixture(t, mock, tenantID, ruleSetID, clientID, bands, rules,
		`{"nombre":"Ana","telefono":"099123456","cuota_paga":" no ","email":"ana@example.com"}`)

	result, err := runner.Score(context.Background(), tenantID, ScoreParams{
		ClientID:  clientID,
		RuleSetID: &ruleSetID,
	})
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	if result.Score != 70 {
		t.Errorf("Score = %v, want 70 (inactive rule must not count)", result.Score)
	}
	if result.Band != "WARM" {
		t.Errorf("Band = %q, want WARM", result.Band)
	}
	if len(result.Explain) != 2 {
		t.Errorf("len(Explain) = %d, want 2 (inactive rules get no entry)", len(result.Explain))
	}
	for _, e := range result.Explain {
		if !e.Matched {
			t.Errorf("rule priority %d should have matched", e.Priority)
		}
	}
}

func TestScoreNonMatchingRuleGetsExplainEntry(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := uuid.New()
	ruleSetID := uuid.New()
	clientID := uuid.New()
	runner := NewRunner(NewStore(db, nil), client.NewStore(db))

	rules := []Rule{
		{ID: uuid.New(), Priority: 1, Points: 40, Active: true,
			Condition: mustCondition(t, `{"field":"telefono","op":"exists","value":null}`)},
	}

	scoreFixture(t, mock, tenantID, ruleSetID, clientID, nil, rules, `{"nombre":"Luis"}`)

	result, err := runner.Score(context.Background(), tenantID, ScoreParams{
		ClientID:  clientID,
		RuleSetID: &ruleSetID,
	})
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	if result.Score != 0 {
		t.Errorf("Score = %v, want 0", result.Score)
	}
	if len(result.Explain) != 1 {
		t.Fatalf("len(Explain) = %d, want 1", len(result.Explain))
	}
	if result.Explain[0].Matched {
		t.Error("rule should not have matched")
	}
	if result.Explain[0].Points != 0 {
		t.Errorf("awarded Points = %v, want 0", result.Explain[0].Points)
	}
}

func TestScoreRequiresClientID(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	runner := NewRunner(NewStore(db, nil), client.NewStore(db))
	if _, err := runner.Score(context.Background(), uuid.New(), ScoreParams{}); err == nil {
		t.Error("Score() without client id should fail")
	}
}

func TestScoreNoActiveRuleSet(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	runner := NewRunner(NewStore(db, nil), client.NewStore(db))
	mock.ExpectQuery("SELECT (.+) FROM engine_active_rule_set").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "key", "version", "name", "bands", "created_at", "active"}))

	if _, err := runner.Score(context.Background(), uuid.New(), ScoreParams{ClientID: uuid.New()}); err == nil {
		t.Error("Score() with no active rule set should fail")
	}
}

func TestScorePersistWritesRunAndItems(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := uuid.New()
	ruleSetID := uuid.New()
	clientID := uuid.New()
	runner := NewRunner(NewStore(db, nil), client.NewStore(db))

	rules := []Rule{
		{ID: uuid.New(), Priority: 1, Points: 40, Active: true,
			Condition: mustCondition(t, `{"field":"telefono","op":"exists","value":null}`)},
	}

	scoreFixture(t, mock, tenantID, ruleSetID, clientID, nil, rules, `{"telefono":"099123456"}`)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO engine_scoring_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO engine_scoring_run_items").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := runner.Score(context.Background(), tenantID, ScoreParams{
		ClientID:  clientID,
		RuleSetID: &ruleSetID,
		Persist:   true,
	})
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if result.RunID == nil {
		t.Error("persisted scoring run should return a run id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
