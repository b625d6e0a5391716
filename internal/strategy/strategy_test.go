package strategy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Strategy
	}{
		{name: "exact FIFO", input: "FIFO", expected: FIFO},
		{name: "lowercase fifo", input: "fifo", expected: FIFO},
		{name: "mixed case lifo", input: "LiFo", expected: LIFO},
		{name: "priority", input: "priority", expected: Priority},
		{name: "weighted random", input: "weighted_random", expected: WeightedRandom},
		{name: "workflow state", input: "WORKFLOW_STATE", expected: WorkflowState},
		{name: "surrounding whitespace", input: "  fifo  ", expected: FIFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.input)

			assert.NoError(t, err)
			assert.Equal(t, tt.expected, s)
		})
	}
}

func TestParse_Unknown(t *testing.T) {
	_, err := Parse("ROUND_ROBIN")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ROUND_ROBIN")
	for _, name := range Names() {
		assert.Contains(t, err.Error(), name, "error should list every valid strategy")
	}
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("")

	assert.Error(t, err)
}

func TestValid(t *testing.T) {
	assert.True(t, FIFO.Valid())
	assert.True(t, WorkflowState.Valid())
	assert.False(t, Strategy("fifo").Valid(), "Valid checks the canonical form only")
	assert.False(t, Strategy("").Valid())
}

func TestOrderBy_Deterministic(t *testing.T) {
	tests := []struct {
		name     string
		strategy Strategy
		expected string
	}{
		{name: "fifo oldest first", strategy: FIFO, expected: "created_at ASC, priority DESC, id ASC"},
		{name: "lifo newest first", strategy: LIFO, expected: "created_at DESC, priority DESC, id DESC"},
		{name: "priority highest first", strategy: Priority, expected: "priority DESC, created_at ASC, id ASC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.strategy.OrderBy(SQLite))
			assert.Equal(t, tt.expected, tt.strategy.OrderBy(Postgres), "deterministic strategies rank identically on both dialects")
		})
	}
}

func TestOrderBy_WeightedRandom(t *testing.T) {
	sqlite := WeightedRandom.OrderBy(SQLite)
	assert.Contains(t, sqlite, "RANDOM()")
	assert.Contains(t, sqlite, "priority")
	assert.Contains(t, sqlite, "& 1048575", "draw must be masked positive before weighting")

	pg := WeightedRandom.OrderBy(Postgres)
	assert.Equal(t, "priority * random() DESC", pg)
}

func TestOrderBy_WorkflowState(t *testing.T) {
	clause := WorkflowState.OrderBy(SQLite)

	assert.True(t, strings.HasPrefix(clause, "CASE task_type"))
	assert.Contains(t, clause, "WHEN 'source_discovery' THEN 0")
	assert.Contains(t, clause, "WHEN 'metrics_rollup' THEN 18")
	assert.Contains(t, clause, "ELSE 1000 END")
	assert.True(t, strings.HasSuffix(clause, "ASC, created_at ASC, id ASC"))

	assert.Equal(t, clause, WorkflowState.OrderBy(Postgres), "stage ranking is dialect independent")
}

func TestStageOf(t *testing.T) {
	assert.Equal(t, 0, StageOf("source_discovery"))
	assert.Less(t, StageOf("reddit_scrape"), StageOf("content_normalize"), "scraping precedes normalization")
	assert.Less(t, StageOf("content_score"), StageOf("review_queue"), "scoring precedes review")
	assert.Equal(t, 18, StageOf("metrics_rollup"))
	assert.Equal(t, UnknownStage, StageOf("not_a_stage"))
}

func TestSortParams(t *testing.T) {
	tests := []struct {
		strategy  Strategy
		sortBy    string
		sortOrder string
	}{
		{strategy: FIFO, sortBy: "created_at", sortOrder: "asc"},
		{strategy: LIFO, sortBy: "created_at", sortOrder: "desc"},
		{strategy: Priority, sortBy: "priority", sortOrder: "desc"},
		{strategy: WeightedRandom, sortBy: "random", sortOrder: "desc"},
		{strategy: WorkflowState, sortBy: "workflow_state", sortOrder: "asc"},
	}

	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			by, order := tt.strategy.SortParams()

			assert.Equal(t, tt.sortBy, by)
			assert.Equal(t, tt.sortOrder, order)
		})
	}
}

func TestFromSortParams(t *testing.T) {
	tests := []struct {
		sortBy    string
		sortOrder string
		expected  Strategy
	}{
		{"created_at", "asc", FIFO},
		{"created_at", "desc", LIFO},
		{"created_at", "", FIFO},
		{"priority", "desc", Priority},
		{"random", "desc", WeightedRandom},
		{"workflow_state", "asc", WorkflowState},
		{"", "", Default},
		{"bogus", "asc", Default},
		{"PRIORITY", "DESC", Priority},
	}

	for _, tt := range tests {
		got := FromSortParams(tt.sortBy, tt.sortOrder)
		assert.Equal(t, tt.expected, got, "sort_by=%q sort_order=%q", tt.sortBy, tt.sortOrder)
	}
}

func TestSortParams_RoundTrip(t *testing.T) {
	for _, name := range Names() {
		s, err := Parse(name)
		assert.NoError(t, err)
		assert.Equal(t, s, FromSortParams(s.SortParams()), "strategy %s must survive the sort-param round trip", s)
	}
}
