package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const reportSelect = `
	SELECT
		reports.id,
		reports.user_id,
		reports.department_id,
		departments.name,
		reports.title,
		reports.description,
		reports.category,
		reports.status,
		reports.priority,
		reports.urgency_score,
		reports.address,
		reports.lat,
		reports.lng,
		reports.image_urls,
		reports.audio_url,
		reports.assigned_to,
		reports.resolution_comment,
		reports.routing_source,
		reports.created_at,
		reports.updated_at
	FROM reports
	LEFT JOIN departments ON departments.id = reports.department_id
`

func scanReport(scanner rowScanner) (Report, error) {
	var report Report
	var userID, departmentID, assignedTo sql.NullInt64
	var departmentName, address, audioURL, resolution sql.NullString
	var lat, lng sql.NullFloat64
	var imagesRaw []byte
	var status string
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(
		&report.ID,
		&userID,
		&departmentID,
		&departmentName,
		&report.Title,
		&report.Description,
		&report.Category,
		&status,
		&report.Priority,
		&report.UrgencyScore,
		&address,
		&lat,
		&lng,
		&imagesRaw,
		&audioURL,
		&assignedTo,
		&resolution,
		&report.RoutingSource,
		&createdAt,
		&updatedAt,
	); err != nil {
		return Report{}, err
	}
	report.UserID = nullIntPtr(userID)
	report.DepartmentID = nullIntPtr(departmentID)
	report.DepartmentName = nullStringPtr(departmentName)
	report.Status = ReportStatus(status)
	report.Address = nullStringPtr(address)
	if lat.Valid && lng.Valid {
		report.Location = &ReportLocation{Lat: lat.Float64, Lng: lng.Float64}
	}
	report.AudioURL = nullStringPtr(audioURL)
	report.AssignedTo = nullIntPtr(assignedTo)
	report.ResolutionComment = nullStringPtr(resolution)
	report.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	report.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)

	images, err := parseStringListJSON(imagesRaw)
	if err != nil {
		return Report{}, err
	}
	report.ImageURLs = images
	return report, nil
}

func parseStringListJSON(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}

func stringListToJSON(values []string) []byte {
	if values == nil {
		values = []string{}
	}
	encoded, _ := json.Marshal(values)
	return encoded
}

func (s *sqlStore) CreateReport(ctx context.Context, input NewReport) (Report, error) {
	var lat, lng *float64
	if input.Location != nil {
		lat = &input.Location.Lat
		lng = &input.Location.Lng
	}

	var reportID int
	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO reports (
			user_id, department_id, title, description, category, status,
			priority, urgency_score, address, lat, lng, image_urls, audio_url,
			routing_source, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, 'new',
			$6, $7, $8, $9, $10, $11, $12,
			$13, NOW(), NOW()
		)
		RETURNING id
	`, input.UserID, input.DepartmentID, input.Title, input.Description, input.Category,
		input.Priority, input.UrgencyScore, input.Address, lat, lng, stringListToJSON(input.ImageURLs), input.AudioURL,
		input.RoutingSource).Scan(&reportID); err != nil {
		return Report{}, err
	}

	report, err := s.GetReport(ctx, reportID)
	if err != nil {
		return Report{}, err
	}
	if report == nil {
		return Report{}, fmt.Errorf("report not found after insert")
	}
	return *report, nil
}

func (s *sqlStore) GetReport(ctx context.Context, id int) (*Report, error) {
	report, err := scanReport(s.db.QueryRowContext(ctx, reportSelect+` WHERE reports.id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}

func (s *sqlStore) ListReports(ctx context.Context, filter ReportFilter) ([]Report, error) {
	query, args := buildReportListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]Report, 0)
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// buildReportUpdate renders the UPDATE for a partial change. An expected
// status adds a compare-and-set on the current status.
func buildReportUpdate(id int, update ReportUpdate) (string, []any) {
	sets := make([]string, 0, 12)
	args := make([]any, 0, 13)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Title != nil {
		add("title", *update.Title)
	}
	if update.Description != nil {
		add("description", *update.Description)
	}
	if update.Category != nil {
		add("category", *update.Category)
	}
	if update.Address != nil {
		add("address", *update.Address)
	}
	if update.Priority != nil {
		add("priority", *update.Priority)
	}
	if update.UrgencyScore != nil {
		add("urgency_score", *update.UrgencyScore)
	}
	if update.AssignedTo != nil {
		add("assigned_to", *update.AssignedTo)
	}
	if update.DepartmentID != nil {
		add("department_id", *update.DepartmentID)
	}
	if update.RoutingSource != nil {
		add("routing_source", *update.RoutingSource)
	}
	if update.ResolutionComment != nil {
		add("resolution_comment", *update.ResolutionComment)
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE reports SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if update.ExpectedStatus != "" {
		args = append(args, string(update.ExpectedStatus))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	return query, args
}

func (s *sqlStore) UpdateReport(ctx context.Context, id int, update ReportUpdate) (*Report, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	query, args := buildReportUpdate(id, update)
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if affected == 0 {
		_ = tx.Rollback()
		existing, getErr := s.GetReport(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if existing == nil {
			return nil, errReportNotFound
		}
		return nil, errStatusConflict
	}

	if update.Status != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO report_status_history (report_id, old_status, new_status, comment, changed_by)
			VALUES ($1, $2, $3, $4, $5)
		`, id, string(update.ExpectedStatus), string(*update.Status), update.StatusComment, update.ChangedBy); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}
	if update.Notification != nil {
		if err := insertNotificationTx(ctx, tx, *update.Notification); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetReport(ctx, id)
}

func (s *sqlStore) SetReportAddress(ctx context.Context, id int, address string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET address = $1, updated_at = NOW()
		WHERE id = $2 AND (address IS NULL OR address = '')
	`, address, id)
	return err
}

func (s *sqlStore) CountReportsByStatus(ctx context.Context, userID *int) (StatusCounts, error) {
	query := `SELECT status, COUNT(*) FROM reports`
	args := make([]any, 0, 1)
	if userID != nil {
		query += ` WHERE user_id = $1`
		args = append(args, *userID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return StatusCounts{}, err
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, err
		}
		counts.add(ReportStatus(status), n)
	}
	return counts, rows.Err()
}

func (s *sqlStore) CountReportsByDepartment(ctx context.Context) ([]DepartmentCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reports.department_id, COALESCE(departments.name, 'Unassigned'), COUNT(*)
		FROM reports
		LEFT JOIN departments ON departments.id = reports.department_id
		GROUP BY reports.department_id, departments.name
		ORDER BY COUNT(*) DESC, departments.name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make([]DepartmentCount, 0)
	for rows.Next() {
		var entry DepartmentCount
		var deptID sql.NullInt64
		if err := rows.Scan(&deptID, &entry.DepartmentName, &entry.Count); err != nil {
			return nil, err
		}
		entry.DepartmentID = nullIntPtr(deptID)
		counts = append(counts, entry)
	}
	return counts, rows.Err()
}

func (s *sqlStore) ListStatusHistory(ctx context.Context, reportID int) ([]StatusHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, old_status, new_status, comment, changed_by, created_at
		FROM report_status_history
		WHERE report_id = $1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]StatusHistoryEntry, 0)
	for rows.Next() {
		var entry StatusHistoryEntry
		var oldStatus, newStatus string
		var comment sql.NullString
		var changedBy sql.NullInt64
		var createdAt time.Time
		if err := rows.Scan(&entry.ID, &entry.ReportID, &oldStatus, &newStatus, &comment, &changedBy, &createdAt); err != nil {
			return nil, err
		}
		entry.OldStatus = ReportStatus(oldStatus)
		entry.NewStatus = ReportStatus(newStatus)
		entry.Comment = nullStringPtr(comment)
		entry.ChangedBy = nullIntPtr(changedBy)
		entry.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
