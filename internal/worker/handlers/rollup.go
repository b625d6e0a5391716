package handlers

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/okatz/hopper/internal/task"
)

type RollupPayload struct {
	ReportType string `json:"report_type"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	Format     string `json:"format"`
	OutputPath string `json:"output_path"`
}

// Rollup generates pipeline reports straight off the local store's tables.
// The queries target the SQLite schema, so the handler is only wired when
// the worker runs against a local database.
type Rollup struct {
	db *sql.DB
}

func NewRollup(db *sql.DB) *Rollup {
	return &Rollup{db: db}
}

func (rg *Rollup) Handle(ctx context.Context, t *task.Task) (*task.Result, error) {
	payload, err := parsePayload(t.Parameters)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	startTime, endTime, err := parseTimeRange(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid time range: %w", err)
	}

	log.Printf("[Task %d] Generating %s report (format: %s, period: %s to %s)",
		t.ID, payload.ReportType, payload.Format, startTime.Format(time.RFC3339), endTime.Format(time.RFC3339))

	var data [][]string
	switch payload.ReportType {
	case "type_summary":
		data, err = rg.generateTypeSummary(ctx, startTime, endTime)
	case "worker_performance":
		data, err = rg.generateWorkerPerformance(ctx, startTime, endTime)
	case "failure_analysis":
		data, err = rg.generateFailureAnalysis(ctx, startTime, endTime)
	case "event_volume":
		data, err = rg.generateEventVolume(ctx, startTime, endTime)
	default:
		return nil, fmt.Errorf("unsupported report type: %s (available: type_summary, worker_performance, failure_analysis, event_volume)", payload.ReportType)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate report: %w", err)
	}

	if ctx.Err() != nil {
		log.Printf("[Task %d] Task cancelled after data generation", t.ID)
		return nil, ctx.Err()
	}

	outputFile, err := saveReport(payload, data)
	if err != nil {
		return nil, fmt.Errorf("failed to save report: %w", err)
	}

	rows := len(data) - 1
	log.Printf("[Task %d] Report generated successfully: %s (%d rows)", t.ID, outputFile, rows)

	return &task.Result{
		Success:        true,
		Data:           map[string]any{"file": outputFile, "rows": rows},
		ItemsProcessed: rows,
	}, nil
}

func parsePayload(parameters map[string]any) (*RollupPayload, error) {
	data, err := json.Marshal(parameters)
	if err != nil {
		return nil, err
	}

	var rp RollupPayload
	if err := json.Unmarshal(data, &rp); err != nil {
		return nil, err
	}

	if rp.ReportType == "" {
		return nil, errors.New("missing required field: report_type")
	}
	if rp.OutputPath == "" {
		rp.OutputPath = "./reports"
	}
	if rp.Format == "" {
		rp.Format = "csv"
	}

	return &rp, nil
}

func parseTimeRange(payload *RollupPayload) (time.Time, time.Time, error) {
	var startTime, endTime time.Time
	var err error

	if payload.StartTime != "" {
		startTime, err = time.Parse(time.RFC3339, payload.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start_time format: %w", err)
		}
	} else {
		startTime = time.Now().Add(-24 * time.Hour)
	}

	if payload.EndTime != "" {
		endTime, err = time.Parse(time.RFC3339, payload.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end_time format: %w", err)
		}
	} else {
		endTime = time.Now()
	}

	return startTime, endTime, nil
}

func (rg *Rollup) generateTypeSummary(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			task_type,
			COUNT(*) as total_tasks,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE status = 'queued') as queued,
			AVG(retry_count) as avg_retries,
			ROUND(100.0 * COUNT(*) FILTER (WHERE status = 'completed') / COUNT(*), 2) as success_rate
		FROM task_queue
		WHERE created_at BETWEEN ? AND ?
		GROUP BY task_type
		ORDER BY total_tasks DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime.UnixNano(), endTime.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Task Type", "Total", "Completed", "Failed", "Queued", "Avg Retries", "Success Rate (%)"},
	}

	for rows.Next() {
		var taskType string
		var total, completed, failed, queued int
		var avgRetries, successRate sql.NullFloat64

		if err := rows.Scan(&taskType, &total, &completed, &failed, &queued, &avgRetries, &successRate); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			taskType,
			fmt.Sprintf("%d", total),
			fmt.Sprintf("%d", completed),
			fmt.Sprintf("%d", failed),
			fmt.Sprintf("%d", queued),
			formatFloat(avgRetries, 2),
			formatFloat(successRate, 2),
		})
	}

	return data, rows.Err()
}

func (rg *Rollup) generateWorkerPerformance(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			worker_id,
			strategy,
			tasks_processed,
			tasks_failed,
			last_heartbeat
		FROM worker_heartbeats
		WHERE last_heartbeat BETWEEN ? AND ?
		ORDER BY tasks_processed DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime.UnixNano(), endTime.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Worker ID", "Strategy", "Tasks Processed", "Tasks Failed", "Last Heartbeat"},
	}

	for rows.Next() {
		var workerID, strategy string
		var processed, failed int
		var lastBeat int64

		if err := rows.Scan(&workerID, &strategy, &processed, &failed, &lastBeat); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			workerID,
			strategy,
			fmt.Sprintf("%d", processed),
			fmt.Sprintf("%d", failed),
			time.Unix(0, lastBeat).Format("2006-01-02 15:04:05"),
		})
	}

	return data, rows.Err()
}

func (rg *Rollup) generateFailureAnalysis(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			task_type,
			SUBSTR(COALESCE(error_message, 'unknown'), 1, 100) as error_type,
			COUNT(*) as occurrences,
			MAX(updated_at) as last_occurrence,
			AVG(retry_count) as avg_retry_count
		FROM task_queue
		WHERE updated_at BETWEEN ? AND ?
			AND status = 'failed'
		GROUP BY task_type, SUBSTR(COALESCE(error_message, 'unknown'), 1, 100)
		ORDER BY occurrences DESC
		LIMIT 50
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime.UnixNano(), endTime.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Task Type", "Error", "Occurrences", "Last Occurrence", "Avg Retry Count"},
	}

	for rows.Next() {
		var taskType, errorType string
		var occurrences int
		var lastOccurrence int64
		var avgRetryCount sql.NullFloat64

		if err := rows.Scan(&taskType, &errorType, &occurrences, &lastOccurrence, &avgRetryCount); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{
			taskType,
			errorType,
			fmt.Sprintf("%d", occurrences),
			time.Unix(0, lastOccurrence).Format("2006-01-02 15:04:05"),
			formatFloat(avgRetryCount, 2),
		})
	}

	return data, rows.Err()
}

func (rg *Rollup) generateEventVolume(ctx context.Context, startTime, endTime time.Time) ([][]string, error) {
	query := `
		SELECT
			event_type,
			COUNT(*) as events
		FROM task_logs
		WHERE timestamp BETWEEN ? AND ?
		GROUP BY event_type
		ORDER BY events DESC
	`

	rows, err := rg.db.QueryContext(ctx, query, startTime.UnixNano(), endTime.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer closeRows(rows)

	data := [][]string{
		{"Event Type", "Events"},
	}

	for rows.Next() {
		var eventType string
		var events int

		if err := rows.Scan(&eventType, &events); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}

		data = append(data, []string{eventType, fmt.Sprintf("%d", events)})
	}

	return data, rows.Err()
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		log.Printf("failed to close rows: %v", err)
	}
}

func formatFloat(val sql.NullFloat64, precision int) string {
	if !val.Valid {
		return "0"
	}
	return fmt.Sprintf("%.*f", precision, val.Float64)
}

func saveReport(payload *RollupPayload, data [][]string) (string, error) {
	if err := os.MkdirAll(payload.OutputPath, 0755); err != nil {
		return "", err
	}

	timestamp := time.Now().Format("20060102_150405")
	filename := fmt.Sprintf("hopper_%s_%s.%s", payload.ReportType, timestamp, payload.Format)
	fullPath := filepath.Join(payload.OutputPath, filename)

	switch payload.Format {
	case "csv":
		return fullPath, saveAsCSV(fullPath, data)
	case "json":
		return fullPath, saveAsJSON(fullPath, data)
	default:
		return "", fmt.Errorf("unsupported format: %s", payload.Format)
	}
}

func saveAsCSV(path string, data [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close file: %v", err)
		}
	}()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	return writer.WriteAll(data)
}

func saveAsJSON(path string, data [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("failed to close file: %v", err)
		}
	}()

	if len(data) < 2 {
		return errors.New("insufficient data for JSON export")
	}

	headers := data[0]
	rows := data[1:]

	var records []map[string]string
	for _, row := range rows {
		record := make(map[string]string)
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}

		records = append(records, record)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": time.Now().Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}
