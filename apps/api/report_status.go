package main

import (
	"fmt"
	"net/http"
)

type ReportStatus string

const (
	StatusNew          ReportStatus = "new"
	StatusAcknowledged ReportStatus = "acknowledged"
	StatusInProgress   ReportStatus = "in_progress"
	StatusResolved     ReportStatus = "resolved"
)

var (
	reportStatuses = []ReportStatus{StatusNew, StatusAcknowledged, StatusInProgress, StatusResolved}

	// Forward-only; intermediate states may be skipped, resolved is terminal.
	statusTransitions = map[ReportStatus][]ReportStatus{
		StatusNew:          {StatusAcknowledged, StatusInProgress, StatusResolved},
		StatusAcknowledged: {StatusInProgress, StatusResolved},
		StatusInProgress:   {StatusResolved},
		StatusResolved:     {},
	}
)

func parseReportStatus(raw string) (ReportStatus, bool) {
	for _, status := range reportStatuses {
		if string(status) == raw {
			return status, true
		}
	}
	return "", false
}

func (s ReportStatus) CanTransitionTo(next ReportStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func validateStatusTransition(current ReportStatus, next ReportStatus) error {
	if _, ok := parseReportStatus(string(next)); !ok {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: fmt.Sprintf("Unknown status: %s", next)}
	}
	if !current.CanTransitionTo(next) {
		return &apiError{
			Status:  http.StatusBadRequest,
			Code:    "invalid_status_transition",
			Message: fmt.Sprintf("Cannot transition from %s to %s", current, next),
		}
	}
	return nil
}

func statusLabel(status ReportStatus) string {
	switch status {
	case StatusNew:
		return "New"
	case StatusAcknowledged:
		return "Acknowledged"
	case StatusInProgress:
		return "In progress"
	case StatusResolved:
		return "Resolved"
	default:
		return string(status)
	}
}
