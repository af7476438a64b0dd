package main

import (
	"context"
	"database/sql"
	"errors"
)

var (
	errEmailTaken      = errors.New("email already registered")
	errStatusConflict  = errors.New("report status changed concurrently")
	errReportNotFound  = errors.New("report not found")
	errAssigneeInvalid = errors.New("assignee must be an official or admin")
)

type User struct {
	ID           int     `json:"id"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	Role         string  `json:"role"`
	Department   *string `json:"department,omitempty"`
	Designation  *string `json:"designation,omitempty"`
	Location     *string `json:"location,omitempty"`
	PasswordHash string  `json:"-"`
	CreatedAt    string  `json:"created_at"`
	UpdatedAt    string  `json:"updated_at"`

	// PasswordVersion bumps on every password change and is embedded in
	// session tokens.
	PasswordVersion int `json:"-"`
}

type NewUser struct {
	Name         string
	Email        string
	PasswordHash string
	Role         string
	Department   *string
	Designation  *string
	Location     *string
}

type ReportLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Report struct {
	ID                int             `json:"id"`
	UserID            *int            `json:"user_id"`
	DepartmentID      *int            `json:"department_id"`
	DepartmentName    *string         `json:"department_name,omitempty"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Category          string          `json:"category"`
	Status            ReportStatus    `json:"status"`
	Priority          string          `json:"priority"`
	UrgencyScore      int             `json:"urgency_score"`
	Address           *string         `json:"address"`
	Location          *ReportLocation `json:"location"`
	ImageURLs         []string        `json:"image_urls"`
	AudioURL          *string         `json:"audio_url"`
	AssignedTo        *int            `json:"assigned_to"`
	ResolutionComment *string         `json:"resolution_comment"`
	RoutingSource     string          `json:"routing_source"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
}

type NewReport struct {
	UserID        int
	DepartmentID  int
	Title         string
	Description   string
	Category      string
	Priority      string
	UrgencyScore  int
	Address       *string
	Location      *ReportLocation
	ImageURLs     []string
	AudioURL      *string
	RoutingSource string
}

// ReportUpdate carries only the fields a caller asked to change. When
// ExpectedStatus is set the store applies the change only if the row still
// holds that status.
type ReportUpdate struct {
	Title             *string
	Description       *string
	Category          *string
	Address           *string
	Priority          *string
	UrgencyScore      *int
	AssignedTo        *int
	DepartmentID      *int
	RoutingSource     *string
	ResolutionComment *string

	Status         *ReportStatus
	ExpectedStatus ReportStatus
	ChangedBy      int
	StatusComment  *string
	Notification   *NewNotification
}

func (u ReportUpdate) IsEmpty() bool {
	return u.Title == nil && u.Description == nil && u.Category == nil && u.Address == nil &&
		u.Priority == nil && u.AssignedTo == nil && u.DepartmentID == nil &&
		u.ResolutionComment == nil && u.Status == nil
}

type ReportFilter struct {
	UserID        *int
	ExcludeUserID *int
	Status        string
	Category      string
	DepartmentID  *int
	OldestFirst   bool
	Limit         int
	Offset        int
}

type StatusCounts struct {
	Total        int `json:"total"`
	New          int `json:"new"`
	Acknowledged int `json:"acknowledged"`
	InProgress   int `json:"in_progress"`
	Resolved     int `json:"resolved"`
}

func (s *StatusCounts) add(status ReportStatus, n int) {
	s.Total += n
	switch status {
	case StatusNew:
		s.New += n
	case StatusAcknowledged:
		s.Acknowledged += n
	case StatusInProgress:
		s.InProgress += n
	case StatusResolved:
		s.Resolved += n
	}
}

type DepartmentCount struct {
	DepartmentID   *int   `json:"department_id"`
	DepartmentName string `json:"department_name"`
	Count          int    `json:"count"`
}

type StatusHistoryEntry struct {
	ID        int          `json:"id"`
	ReportID  int          `json:"report_id"`
	OldStatus ReportStatus `json:"old_status"`
	NewStatus ReportStatus `json:"new_status"`
	Comment   *string      `json:"comment"`
	ChangedBy *int         `json:"changed_by"`
	CreatedAt string       `json:"created_at"`
}

type Notification struct {
	ID        int    `json:"id"`
	UserID    int    `json:"user_id"`
	ReportID  *int   `json:"report_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	IsRead    bool   `json:"is_read"`
	CreatedAt string `json:"created_at"`
}

type NewNotification struct {
	UserID   int
	ReportID *int
	Title    string
	Message  string
}

// Store is the persistence boundary used by every handler.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, user NewUser) (User, error)
	GetUserByID(ctx context.Context, id int) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdatePasswordHash(ctx context.Context, userID int, hash string) error
	UpsertAdmin(ctx context.Context, name, email, hash string) error
	ListStaff(ctx context.Context) ([]User, error)

	ListDepartments(ctx context.Context) ([]Department, error)
	GetDepartmentByName(ctx context.Context, name string) (*Department, error)
	GetDepartmentByID(ctx context.Context, id int) (*Department, error)

	CreateReport(ctx context.Context, report NewReport) (Report, error)
	GetReport(ctx context.Context, id int) (*Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)
	UpdateReport(ctx context.Context, id int, update ReportUpdate) (*Report, error)
	SetReportAddress(ctx context.Context, id int, address string) error
	CountReportsByStatus(ctx context.Context, userID *int) (StatusCounts, error)
	CountReportsByDepartment(ctx context.Context) ([]DepartmentCount, error)
	ListStatusHistory(ctx context.Context, reportID int) ([]StatusHistoryEntry, error)

	ListNotifications(ctx context.Context, userID int) ([]Notification, error)
	CountUnreadNotifications(ctx context.Context, userID int) (int, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID int) (bool, error)
}

type sqlStore struct {
	db *sql.DB
}

func newSQLStore(db *sql.DB) *sqlStore {
	return &sqlStore{db: db}
}

func (s *sqlStore) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}

func nullIntPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	out := int(value.Int64)
	return &out
}
