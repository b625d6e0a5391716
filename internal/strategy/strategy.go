// Package strategy defines the claim-ordering policies workers use when
// pulling the next task. Each strategy yields an ORDER BY ranking for the
// SQL stores and a sort hint for the remote coordinator protocol.
package strategy

import (
	"fmt"
	"strings"
)

type Strategy string

const (
	FIFO           Strategy = "FIFO"
	LIFO           Strategy = "LIFO"
	Priority       Strategy = "PRIORITY"
	WeightedRandom Strategy = "WEIGHTED_RANDOM"
	WorkflowState  Strategy = "WORKFLOW_STATE"
)

const Default = FIFO

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// UnknownStage sorts task types missing from the pipeline table after every
// known stage.
const UnknownStage = 1000

// Pipeline stages in processing order. WORKFLOW_STATE drains earlier stages
// first so upstream output keeps the downstream stages fed.
var workflowOrder = []string{
	"source_discovery",
	"reddit_scrape",
	"youtube_scrape",
	"amazon_scrape",
	"etsy_scrape",
	"rss_scrape",
	"content_normalize",
	"content_dedupe",
	"media_download",
	"transcript_fetch",
	"content_classify",
	"keyword_extract",
	"content_score",
	"trend_score",
	"review_queue",
	"review_notify",
	"publish_draft",
	"publish_release",
	"metrics_rollup",
}

func Names() []string {
	return []string{
		string(FIFO),
		string(LIFO),
		string(Priority),
		string(WeightedRandom),
		string(WorkflowState),
	}
}

// Parse resolves a strategy name case-insensitively. Unknown names are an
// error carrying the valid set, raised before any store work happens.
func Parse(name string) (Strategy, error) {
	switch Strategy(strings.ToUpper(strings.TrimSpace(name))) {
	case FIFO:
		return FIFO, nil
	case LIFO:
		return LIFO, nil
	case Priority:
		return Priority, nil
	case WeightedRandom:
		return WeightedRandom, nil
	case WorkflowState:
		return WorkflowState, nil
	}

	return "", fmt.Errorf("unknown claim strategy %q (valid: %s)", name, strings.Join(Names(), ", "))
}

func (s Strategy) String() string {
	return string(s)
}

func (s Strategy) Valid() bool {
	switch s {
	case FIFO, LIFO, Priority, WeightedRandom, WorkflowState:
		return true
	}

	return false
}

// StageOf returns the pipeline position of a task type, or UnknownStage if
// the type is not part of the fixed workflow.
func StageOf(taskType string) int {
	for i, name := range workflowOrder {
		if name == taskType {
			return i
		}
	}

	return UnknownStage
}

// OrderBy returns the ranking expression for eligible rows. Ties always
// break on id so claim order stays deterministic within a timestamp.
//
// WEIGHTED_RANDOM ranks by priority multiplied with a uniform draw: a
// priority-9 task is nine times as likely to outrank a priority-1 task,
// but never guaranteed to.
func (s Strategy) OrderBy(d Dialect) string {
	switch s {
	case FIFO:
		return "created_at ASC, priority DESC, id ASC"
	case LIFO:
		return "created_at DESC, priority DESC, id DESC"
	case Priority:
		return "priority DESC, created_at ASC, id ASC"
	case WeightedRandom:
		if d == Postgres {
			return "priority * random() DESC"
		}
		// SQLite RANDOM() spans the full int64 range; mask to a positive
		// 20-bit draw before weighting so the product cannot go negative.
		return "(RANDOM() & 1048575) * priority DESC"
	case WorkflowState:
		return workflowCase() + " ASC, created_at ASC, id ASC"
	}

	return ""
}

// SortParams maps the strategy onto the remote coordinator's
// sort_by/sort_order claim fields.
func (s Strategy) SortParams() (sortBy, sortOrder string) {
	switch s {
	case LIFO:
		return "created_at", "desc"
	case Priority:
		return "priority", "desc"
	case WeightedRandom:
		return "random", "desc"
	case WorkflowState:
		return "workflow_state", "asc"
	default:
		return "created_at", "asc"
	}
}

// FromSortParams is the server-side inverse of SortParams. Hints that no
// strategy produces fall back to the default ordering rather than failing
// the claim.
func FromSortParams(sortBy, sortOrder string) Strategy {
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case "created_at":
		if strings.EqualFold(sortOrder, "desc") {
			return LIFO
		}
		return FIFO
	case "priority":
		return Priority
	case "random":
		return WeightedRandom
	case "workflow_state":
		return WorkflowState
	default:
		return Default
	}
}

func workflowCase() string {
	var b strings.Builder
	b.WriteString("CASE task_type")
	for i, name := range workflowOrder {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", name, i)
	}
	fmt.Fprintf(&b, " ELSE %d END", UnknownStage)

	return b.String()
}
