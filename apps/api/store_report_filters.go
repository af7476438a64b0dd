package main

import "fmt"

func buildReportFilters(filter ReportFilter) (string, []any) {
	whereClause := ""
	args := make([]any, 0)
	argIndex := 1

	if filter.UserID != nil {
		whereClause += fmt.Sprintf(" AND reports.user_id = $%d", argIndex)
		args = append(args, *filter.UserID)
		argIndex++
	}
	if filter.ExcludeUserID != nil {
		// NULL owners never equal the caller, so they stay visible.
		whereClause += fmt.Sprintf(" AND reports.user_id IS DISTINCT FROM $%d", argIndex)
		args = append(args, *filter.ExcludeUserID)
		argIndex++
	}
	if filter.Status != "" {
		whereClause += fmt.Sprintf(" AND reports.status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}
	if filter.Category != "" {
		whereClause += fmt.Sprintf(" AND reports.category = $%d", argIndex)
		args = append(args, filter.Category)
		argIndex++
	}
	if filter.DepartmentID != nil {
		whereClause += fmt.Sprintf(" AND reports.department_id = $%d", argIndex)
		args = append(args, *filter.DepartmentID)
		argIndex++
	}

	return whereClause, args
}

func buildReportListQuery(filter ReportFilter) (string, []any) {
	query := reportSelect + ` WHERE 1=1`
	whereClause, args := buildReportFilters(filter)
	query += whereClause
	argIndex := len(args) + 1

	if filter.OldestFirst {
		query += " ORDER BY reports.created_at ASC, reports.id ASC"
	} else {
		query += " ORDER BY reports.created_at DESC, reports.id DESC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	return query, args
}
