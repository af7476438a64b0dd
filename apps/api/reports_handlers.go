package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"civicreport/libs/mailer"

	"github.com/gin-gonic/gin"
)

const (
	categoryOther      = "other"
	statusEmailTimeout = 15 * time.Second
)

var (
	citizenEditableFields = []string{"title", "description", "category", "address"}
	staffEditableFields   = []string{"status", "comment", "priority", "assigned_to", "department_id", "resolution_comment"}
	reportPriorities      = []string{"low", "medium", "high"}

	errReportNotFoundResponse = &apiError{Status: http.StatusNotFound, Code: "report_not_found", Message: "Report not found"}
)

type reportCreatePayload struct {
	Title       string
	Description string
	Category    string
	Address     *string
	Location    *ReportLocation
	Photos      []MediaUpload
	Audio       *MediaUpload
}

func (p reportCreatePayload) filenames() []string {
	names := make([]string, 0, len(p.Photos)+1)
	for _, photo := range p.Photos {
		if photo.Name != "" {
			names = append(names, photo.Name)
		}
	}
	if p.Audio != nil && p.Audio.Name != "" {
		names = append(names, p.Audio.Name)
	}
	return names
}

func parseReportID(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, &apiError{Status: http.StatusBadRequest, Code: "invalid_report_id", Message: "Report id must be a positive integer"}
	}
	return id, nil
}

// parseLocation accepts the JSON string the web client sends, e.g.
// {"lat":52.1,"lng":5.1}. An empty value means no location.
func parseLocation(raw string) (*ReportLocation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	var loc ReportLocation
	if err := json.Unmarshal([]byte(raw), &loc); err != nil {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "Location must be a JSON object with lat and lng"}
	}
	return &loc, nil
}

func validateLocation(loc *ReportLocation) error {
	if loc == nil {
		return nil
	}
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return &apiError{Status: http.StatusBadRequest, Code: "invalid_location", Message: "Location is out of range"}
	}
	return nil
}

func parseReportCreatePayload(c *gin.Context) (reportCreatePayload, error) {
	var payload reportCreatePayload
	contentType := strings.ToLower(c.GetHeader("Content-Type"))

	if strings.Contains(contentType, "application/json") {
		var body struct {
			Title       string          `json:"title"`
			Description string          `json:"description"`
			Category    string          `json:"category"`
			Address     string          `json:"address"`
			Location    *ReportLocation `json:"location"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			return payload, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid JSON body"}
		}
		payload.Title = body.Title
		payload.Description = body.Description
		payload.Category = body.Category
		payload.Address = optionalString(body.Address)
		payload.Location = body.Location
		return payload, nil
	}

	if err := c.Request.ParseMultipartForm(maxMultipartMemory); err != nil {
		return payload, &apiError{Status: http.StatusBadRequest, Code: "invalid_multipart", Message: "Invalid multipart form"}
	}

	payload.Title = c.PostForm("title")
	payload.Description = c.PostForm("description")
	payload.Category = c.PostForm("category")
	payload.Address = optionalString(c.PostForm("address"))

	location, err := parseLocation(c.PostForm("location"))
	if err != nil {
		return payload, err
	}
	payload.Location = location

	form := c.Request.MultipartForm
	photoHeaders := make([]*multipart.FileHeader, 0, len(form.File["photo"])+len(form.File["photos"]))
	photoHeaders = append(photoHeaders, form.File["photo"]...)
	photoHeaders = append(photoHeaders, form.File["photos"]...)
	if len(photoHeaders) > maxPhotoCount {
		return payload, &apiError{Status: http.StatusBadRequest, Code: "too_many_files", Message: fmt.Sprintf("At most %d photos are allowed", maxPhotoCount)}
	}
	for _, header := range photoHeaders {
		upload, err := readMediaFile(header)
		if err != nil {
			return payload, err
		}
		if err := validateImageUpload(upload); err != nil {
			return payload, err
		}
		payload.Photos = append(payload.Photos, upload)
	}

	if audioHeaders := form.File["audio"]; len(audioHeaders) > 0 {
		if len(audioHeaders) > 1 {
			return payload, &apiError{Status: http.StatusBadRequest, Code: "too_many_files", Message: "Only one audio file is allowed"}
		}
		upload, err := readMediaFile(audioHeaders[0])
		if err != nil {
			return payload, err
		}
		if err := validateAudioUpload(upload); err != nil {
			return payload, err
		}
		payload.Audio = &upload
	}

	return payload, nil
}

func validateReportCreatePayload(payload *reportCreatePayload) error {
	payload.Title = strings.TrimSpace(payload.Title)
	payload.Description = strings.TrimSpace(payload.Description)
	payload.Category = strings.ToLower(strings.TrimSpace(payload.Category))
	if payload.Category == "" {
		payload.Category = categoryOther
	}

	missing := make([]string, 0, 2)
	if payload.Title == "" {
		missing = append(missing, "title")
	}
	if payload.Description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return &apiError{Status: http.StatusBadRequest, Code: "validation_error", Message: "Title and description are required", Details: gin.H{"missing": missing}}
	}
	return validateLocation(payload.Location)
}

func (a *App) saveReportMedia(ctx context.Context, payload reportCreatePayload) ([]string, *string, error) {
	imageURLs := make([]string, 0, len(payload.Photos))
	for _, photo := range payload.Photos {
		url, err := a.media.Save(ctx, mediaObjectKey("reports/images", photo), photo.ContentType, photo.Bytes)
		if err != nil {
			a.log.Error("failed to store report photo", "name", photo.Name, "err", err)
			return nil, nil, &apiError{Status: http.StatusBadGateway, Code: "media_upload_failed", Message: "Failed to store uploaded media"}
		}
		imageURLs = append(imageURLs, url)
	}

	var audioURL *string
	if payload.Audio != nil {
		url, err := a.media.Save(ctx, mediaObjectKey("reports/audio", *payload.Audio), payload.Audio.ContentType, payload.Audio.Bytes)
		if err != nil {
			a.log.Error("failed to store report audio", "name", payload.Audio.Name, "err", err)
			return nil, nil, &apiError{Status: http.StatusBadGateway, Code: "media_upload_failed", Message: "Failed to store uploaded media"}
		}
		audioURL = &url
	}
	return imageURLs, audioURL, nil
}

func (a *App) createReportHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}

	if !a.checkRateLimit("report:"+c.ClientIP(), reportRateLimitRequests, reportRateLimitWindow, time.Now().UTC()) {
		writeAPIError(c, &apiError{Status: http.StatusTooManyRequests, Code: "rate_limited", Message: "Too many reports from this IP. Please retry later."})
		return
	}

	payload, err := parseReportCreatePayload(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if err := validateReportCreatePayload(&payload); err != nil {
		writeAPIError(c, err)
		return
	}

	ctx := c.Request.Context()
	routing := a.resolveDepartmentName(ctx, payload.Category, payload.Description, payload.filenames())
	department, err := a.lookupDepartment(ctx, routing.Name)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	imageURLs, audioURL, err := a.saveReportMedia(ctx, payload)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	created, err := a.store.CreateReport(ctx, NewReport{
		UserID:        session.ID,
		DepartmentID:  department.ID,
		Title:         payload.Title,
		Description:   payload.Description,
		Category:      payload.Category,
		Priority:      determinePriority(payload.Title, payload.Description),
		UrgencyScore:  urgencyScore(payload.Title, payload.Description),
		Address:       payload.Address,
		Location:      payload.Location,
		ImageURLs:     imageURLs,
		AudioURL:      audioURL,
		RoutingSource: routing.Source,
	})
	if err != nil {
		a.log.Error("failed to create report", "user_id", session.ID, "err", err)
		writeAPIError(c, err)
		return
	}

	a.metrics.observeReportCreated(department.Name, routing.Source)
	a.log.Info("report created",
		"report_id", created.ID,
		"user_id", session.ID,
		"department", department.Name,
		"routing_source", routing.Source,
		"priority", created.Priority,
	)

	if created.Address == nil && created.Location != nil && a.geocoder != nil {
		reportID := created.ID
		a.runAsync(geocodeTimeout, func(ctx context.Context) {
			if err := a.geocodeReport(ctx, reportID); err != nil {
				a.log.Error("background geocoding failed", "report_id", reportID, "err", err)
			}
		})
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "report": created})
}

// canViewReport: staff see everything, citizens see their own reports and
// reports still awaiting validation.
func canViewReport(session SessionUser, report Report) bool {
	if session.isStaff() {
		return true
	}
	if report.UserID != nil && *report.UserID == session.ID {
		return true
	}
	return report.Status == StatusNew
}

func isReportOwner(session SessionUser, report Report) bool {
	return report.UserID != nil && *report.UserID == session.ID
}

func parsePagination(c *gin.Context) (int, int, error) {
	page, pageSize := 1, defaultReportPageSize
	if raw := strings.TrimSpace(c.Query("page")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, &apiError{Status: http.StatusBadRequest, Code: "invalid_pagination", Message: "page must be a positive integer"}
		}
		page = parsed
	}
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return 0, 0, &apiError{Status: http.StatusBadRequest, Code: "invalid_pagination", Message: "page_size must be a positive integer"}
		}
		pageSize = min(parsed, maxReportPageSize)
	}
	return page, pageSize, nil
}

func parseStatusQuery(c *gin.Context) (string, error) {
	raw := strings.TrimSpace(c.Query("status"))
	if raw == "" {
		return "", nil
	}
	status, ok := parseReportStatus(raw)
	if !ok {
		return "", &apiError{Status: http.StatusBadRequest, Code: "invalid_status", Message: fmt.Sprintf("Unknown status: %s", raw)}
	}
	return string(status), nil
}

func (a *App) listReportsHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}

	page, pageSize, err := parsePagination(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	status, err := parseStatusQuery(c)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	filter := ReportFilter{
		Status:   status,
		Category: strings.ToLower(strings.TrimSpace(c.Query("category"))),
		Limit:    pageSize,
		Offset:   (page - 1) * pageSize,
	}
	if raw := strings.TrimSpace(c.Query("department_id")); raw != "" {
		deptID, err := strconv.Atoi(raw)
		if err != nil || deptID <= 0 {
			writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_department", Message: "department_id must be a positive integer"})
			return
		}
		filter.DepartmentID = &deptID
	}
	if !session.isStaff() {
		filter.UserID = &session.ID
	}

	reports, err := a.store.ListReports(c.Request.Context(), filter)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reports": reports, "page": page, "page_size": pageSize})
}

func (a *App) myReportsHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	reports, err := a.store.ListReports(c.Request.Context(), ReportFilter{UserID: &session.ID})
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reports": reports})
}

func (a *App) myStatsHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	counts, err := a.store.CountReportsByStatus(c.Request.Context(), &session.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": counts})
}

// pendingValidationHandler feeds the community validation screen: the oldest
// unreviewed reports filed by someone else.
func (a *App) pendingValidationHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	reports, err := a.store.ListReports(c.Request.Context(), ReportFilter{
		ExcludeUserID: &session.ID,
		Status:        string(StatusNew),
		OldestFirst:   true,
		Limit:         pendingValidationLimit,
	})
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reports": reports})
}

func (a *App) classifyHandler(c *gin.Context) {
	var payload struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Filenames   []string `json:"filenames"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid request payload"})
		return
	}
	if strings.TrimSpace(payload.Description) == "" && len(payload.Filenames) == 0 {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "validation_error", Message: "Description or filenames required"})
		return
	}

	routed := a.router.Route(c.Request.Context(), payload.Description, payload.Filenames)
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"department":    routed.Department,
		"score":         routed.Score,
		"source":        routed.Source,
		"priority":      determinePriority(payload.Title, payload.Description),
		"urgency_score": urgencyScore(payload.Title, payload.Description),
	})
}

func (a *App) loadVisibleReport(c *gin.Context, session SessionUser) (*Report, error) {
	id, err := parseReportID(c)
	if err != nil {
		return nil, err
	}
	report, err := a.store.GetReport(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if report == nil || !canViewReport(session, *report) {
		return nil, errReportNotFoundResponse
	}
	return report, nil
}

func (a *App) getReportHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	report, err := a.loadVisibleReport(c, session)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (a *App) reportHistoryHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	report, err := a.loadVisibleReport(c, session)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if !session.isStaff() && !isReportOwner(session, *report) {
		writeAPIError(c, errReportNotFoundResponse)
		return
	}

	history, err := a.store.ListStatusHistory(c.Request.Context(), report.ID)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "history": history})
}

type reportPatchPayload struct {
	Title             *string `json:"title"`
	Description       *string `json:"description"`
	Category          *string `json:"category"`
	Address           *string `json:"address"`
	Status            *string `json:"status"`
	Comment           *string `json:"comment"`
	Priority          *string `json:"priority"`
	AssignedTo        *int    `json:"assigned_to"`
	DepartmentID      *int    `json:"department_id"`
	ResolutionComment *string `json:"resolution_comment"`
}

// decodeReportPatch returns the payload and the sorted list of fields the
// caller sent, which drives field-level authorization.
func decodeReportPatch(raw []byte) (reportPatchPayload, []string, error) {
	var payload reportPatchPayload
	invalid := &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid request payload"}

	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil || present == nil {
		return payload, nil, invalid
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, nil, invalid
	}

	fields := make([]string, 0, len(present))
	for field := range present {
		if !containsString(citizenEditableFields, field) && !containsString(staffEditableFields, field) {
			return payload, nil, &apiError{Status: http.StatusBadRequest, Code: "unknown_field", Message: fmt.Sprintf("Field %q cannot be updated", field)}
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return payload, fields, nil
}

func authorizeReportPatch(session SessionUser, report Report, fields []string) error {
	allowed := citizenEditableFields
	if session.isStaff() {
		allowed = staffEditableFields
	} else if !isReportOwner(session, report) {
		return &apiError{Status: http.StatusForbidden, Code: "forbidden", Message: "Only the report owner may edit this report"}
	}

	for _, field := range fields {
		if !containsString(allowed, field) {
			return &apiError{Status: http.StatusForbidden, Code: "field_not_allowed", Message: fmt.Sprintf("Not allowed to update %s", field), Details: gin.H{"field": field}}
		}
	}
	if !session.isStaff() && report.Status != StatusNew {
		return &apiError{Status: http.StatusForbidden, Code: "report_locked", Message: "Reports can only be edited while they are new"}
	}
	return nil
}

func requiredText(field string, value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil, &apiError{Status: http.StatusBadRequest, Code: "validation_error", Message: fmt.Sprintf("%s must not be empty", field)}
	}
	return &trimmed, nil
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	return &trimmed
}

func (a *App) buildReportPatch(ctx context.Context, session SessionUser, report Report, payload reportPatchPayload) (ReportUpdate, error) {
	var update ReportUpdate
	var err error

	if update.Title, err = requiredText("title", payload.Title); err != nil {
		return update, err
	}
	if update.Description, err = requiredText("description", payload.Description); err != nil {
		return update, err
	}
	if payload.Category != nil {
		category := strings.ToLower(strings.TrimSpace(*payload.Category))
		if category == "" {
			category = categoryOther
		}
		update.Category = &category
	}
	update.Address = trimmedPtr(payload.Address)
	update.ResolutionComment = trimmedPtr(payload.ResolutionComment)

	if !session.isStaff() {
		// owner edits only land while the report is still new
		update.ExpectedStatus = StatusNew
		if err := a.reclassifyReportPatch(ctx, report, &update); err != nil {
			return update, err
		}
	}

	if payload.Priority != nil {
		priority := strings.ToLower(strings.TrimSpace(*payload.Priority))
		if !containsString(reportPriorities, priority) {
			return update, &apiError{Status: http.StatusBadRequest, Code: "invalid_priority", Message: "Priority must be low, medium or high"}
		}
		update.Priority = &priority
	}

	if payload.AssignedTo != nil {
		assignee, err := a.store.GetUserByID(ctx, *payload.AssignedTo)
		if err != nil {
			return update, err
		}
		if assignee == nil || !containsString(staffRoles, assignee.Role) {
			return update, &apiError{Status: http.StatusBadRequest, Code: "invalid_assignee", Message: errAssigneeInvalid.Error()}
		}
		update.AssignedTo = &assignee.ID
	}

	if payload.DepartmentID != nil {
		dept, err := a.store.GetDepartmentByID(ctx, *payload.DepartmentID)
		if err != nil {
			return update, err
		}
		if dept == nil {
			return update, &apiError{Status: http.StatusBadRequest, Code: "invalid_department", Message: "Department does not exist"}
		}
		update.DepartmentID = &dept.ID
	}

	if payload.Status != nil {
		next := ReportStatus(strings.ToLower(strings.TrimSpace(*payload.Status)))
		if err := validateStatusTransition(report.Status, next); err != nil {
			return update, err
		}
		update.Status = &next
		update.ExpectedStatus = report.Status
		update.ChangedBy = session.ID
		update.StatusComment = optionalString(valueOrEmpty(payload.Comment))

		if report.UserID != nil {
			reportID := report.ID
			comment := update.ResolutionComment
			if comment == nil {
				comment = update.StatusComment
			}
			update.Notification = &NewNotification{
				UserID:   *report.UserID,
				ReportID: &reportID,
				Title:    "Report status updated",
				Message:  statusChangeMessage(report.Title, next, comment),
			}
		}
	}

	if update.IsEmpty() {
		return update, &apiError{Status: http.StatusBadRequest, Code: "empty_update", Message: "No updatable fields provided"}
	}
	return update, nil
}

// reclassifyReportPatch recomputes the derived fields when an owner edit
// changes the text or category they were derived from.
func (a *App) reclassifyReportPatch(ctx context.Context, report Report, update *ReportUpdate) error {
	title, description, category := report.Title, report.Description, report.Category
	if update.Title != nil {
		title = *update.Title
	}
	if update.Description != nil {
		description = *update.Description
	}
	if update.Category != nil {
		category = *update.Category
	}

	if update.Category != nil || update.Description != nil {
		routing := a.resolveDepartmentName(ctx, category, description, nil)
		department, err := a.lookupDepartment(ctx, routing.Name)
		if err != nil {
			return err
		}
		update.DepartmentID = &department.ID
		update.RoutingSource = &routing.Source
		a.log.Info("report rerouted", "report_id", report.ID, "department", department.Name, "routing_source", routing.Source)
	}
	if update.Title != nil || update.Description != nil {
		priority := determinePriority(title, description)
		score := urgencyScore(title, description)
		update.Priority = &priority
		update.UrgencyScore = &score
	}
	return nil
}

func valueOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func statusChangeMessage(title string, status ReportStatus, comment *string) string {
	message := fmt.Sprintf("Your report %q is now %s.", title, strings.ToLower(statusLabel(status)))
	if comment != nil && strings.TrimSpace(*comment) != "" {
		message += " " + strings.TrimSpace(*comment)
	}
	return message
}

func (a *App) updateReportHandler(c *gin.Context) {
	session, err := getSessionUser(c)
	if err != nil {
		writeAPIError(c, errUnauthenticated)
		return
	}
	report, err := a.loadVisibleReport(c, session)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		writeAPIError(c, &apiError{Status: http.StatusBadRequest, Code: "invalid_payload", Message: "Invalid request payload"})
		return
	}
	payload, fields, err := decodeReportPatch(raw)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	if err := authorizeReportPatch(session, *report, fields); err != nil {
		writeAPIError(c, err)
		return
	}

	ctx := c.Request.Context()
	update, err := a.buildReportPatch(ctx, session, *report, payload)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	updated, err := a.store.UpdateReport(ctx, report.ID, update)
	switch {
	case errors.Is(err, errStatusConflict) && update.Status == nil:
		writeAPIError(c, &apiError{Status: http.StatusConflict, Code: "report_locked", Message: "Report is no longer new and cannot be edited"})
		return
	case errors.Is(err, errStatusConflict):
		writeAPIError(c, &apiError{Status: http.StatusConflict, Code: "status_conflict", Message: "Report status was changed by someone else, reload and retry"})
		return
	case errors.Is(err, errReportNotFound):
		writeAPIError(c, errReportNotFoundResponse)
		return
	case err != nil:
		a.log.Error("failed to update report", "report_id", report.ID, "err", err)
		writeAPIError(c, err)
		return
	case updated == nil:
		writeAPIError(c, errReportNotFoundResponse)
		return
	}

	if update.Status != nil {
		a.metrics.observeStatusTransition(report.Status, *update.Status)
		a.log.Info("report status changed", "report_id", report.ID, "from", report.Status, "to", *update.Status, "changed_by", session.ID)

		if report.UserID != nil && *report.UserID != session.ID {
			ownerID := *report.UserID
			snapshot := *updated
			a.runAsync(statusEmailTimeout, func(ctx context.Context) {
				if err := a.sendStatusChangeEmail(ctx, ownerID, snapshot); err != nil {
					a.log.Error("failed to send status email", "report_id", snapshot.ID, "err", err)
				}
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "report": updated})
}

func (a *App) sendStatusChangeEmail(ctx context.Context, ownerID int, report Report) error {
	if a.mailer == nil {
		return nil
	}
	owner, err := a.store.GetUserByID(ctx, ownerID)
	if err != nil {
		return err
	}
	if owner == nil {
		return nil
	}

	text := statusChangeMessage(report.Title, report.Status, report.ResolutionComment)
	result, err := a.mailer.Send(ctx, mailer.Message{
		To:      []string{owner.Email},
		Subject: fmt.Sprintf("Report #%d: %s", report.ID, statusLabel(report.Status)),
		Text:    fmt.Sprintf("Hello %s,\n\n%s\n", owner.Name, text),
		HTML:    fmt.Sprintf("<p>Hello %s,</p><p>%s</p>", html.EscapeString(owner.Name), html.EscapeString(text)),
	})
	if err != nil {
		return err
	}

	a.log.Info("status email sent", "report_id", report.ID, "user_id", owner.ID, "provider", a.mailer.ProviderName(), "message_id", result.ProviderMessageID)
	return nil
}
