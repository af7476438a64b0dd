package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"civicreport/libs/mailer"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testJWTSecret = "0123456789abcdef-test"

// memStore is an in-memory Store with the same observable semantics as
// sqlStore: nil for missing rows, compare-and-set status updates, history and
// notifications written together with the update.
type memStore struct {
	mu sync.Mutex

	pingErr       error
	users         []User
	departments   []Department
	reports       []Report
	history       []StatusHistoryEntry
	notifications []Notification
	now           time.Time

	// beforeUpdate runs inside UpdateReport before the status check so tests
	// can simulate a concurrent writer.
	beforeUpdate func(report *Report)
}

func newMemStore() *memStore {
	s := &memStore{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	for i, name := range []string{deptRoads, deptSanitation, deptElectrical, deptWater, deptParks} {
		s.departments = append(s.departments, Department{ID: i + 1, Name: name, IsActive: true})
	}
	return s
}

func (s *memStore) tick() string {
	s.now = s.now.Add(time.Minute)
	return s.now.Format(time.RFC3339)
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func (s *memStore) CreateUser(_ context.Context, input NewUser) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == input.Email {
			return User{}, errEmailTaken
		}
	}
	ts := s.tick()
	user := User{
		ID:           len(s.users) + 1,
		Name:         input.Name,
		Email:        input.Email,
		Role:         input.Role,
		Department:   input.Department,
		Designation:  input.Designation,
		Location:     input.Location,
		PasswordHash: input.PasswordHash,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
	s.users = append(s.users, user)
	return user, nil
}

func (s *memStore) findUser(match func(User) bool) *User {
	for i := range s.users {
		if match(s.users[i]) {
			user := s.users[i]
			return &user
		}
	}
	return nil
}

func (s *memStore) GetUserByID(_ context.Context, id int) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u User) bool { return u.ID == id }), nil
}

func (s *memStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(func(u User) bool { return u.Email == email }), nil
}

func (s *memStore) UpdatePasswordHash(_ context.Context, userID int, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.users {
		if s.users[i].ID == userID {
			s.users[i].PasswordHash = hash
			s.users[i].PasswordVersion++
			return nil
		}
	}
	return nil
}

func (s *memStore) UpsertAdmin(ctx context.Context, name, email, hash string) error {
	s.mu.Lock()
	for i := range s.users {
		if s.users[i].Email == email {
			s.users[i].Role = roleAdmin
			s.users[i].PasswordHash = hash
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()
	_, err := s.CreateUser(ctx, NewUser{Name: name, Email: email, PasswordHash: hash, Role: roleAdmin})
	return err
}

func (s *memStore) ListStaff(context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staff := make([]User, 0)
	for _, u := range s.users {
		if containsString(staffRoles, u.Role) {
			staff = append(staff, u)
		}
	}
	return staff, nil
}

func (s *memStore) ListDepartments(context.Context) ([]Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Department, 0, len(s.departments))
	for _, d := range s.departments {
		if d.IsActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) GetDepartmentByName(_ context.Context, name string) (*Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.departments {
		if d.Name == name {
			dept := d
			return &dept, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetDepartmentByID(_ context.Context, id int) (*Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.departments {
		if d.ID == id {
			dept := d
			return &dept, nil
		}
	}
	return nil, nil
}

func (s *memStore) departmentName(id int) *string {
	for _, d := range s.departments {
		if d.ID == id {
			name := d.Name
			return &name
		}
	}
	return nil
}

func (s *memStore) CreateReport(_ context.Context, input NewReport) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.tick()
	userID, deptID := input.UserID, input.DepartmentID
	images := input.ImageURLs
	if images == nil {
		images = []string{}
	}
	report := Report{
		ID:             len(s.reports) + 1,
		UserID:         &userID,
		DepartmentID:   &deptID,
		DepartmentName: s.departmentName(deptID),
		Title:          input.Title,
		Description:    input.Description,
		Category:       input.Category,
		Status:         StatusNew,
		Priority:       input.Priority,
		UrgencyScore:   input.UrgencyScore,
		Address:        input.Address,
		Location:       input.Location,
		ImageURLs:      images,
		AudioURL:       input.AudioURL,
		RoutingSource:  input.RoutingSource,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	s.reports = append(s.reports, report)
	return report, nil
}

func (s *memStore) reportIndex(id int) int {
	for i := range s.reports {
		if s.reports[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *memStore) GetReport(_ context.Context, id int) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.reportIndex(id); idx >= 0 {
		report := s.reports[idx]
		return &report, nil
	}
	return nil, nil
}

func (s *memStore) ListReports(_ context.Context, filter ReportFilter) ([]Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]Report, 0)
	for _, r := range s.reports {
		if filter.UserID != nil && (r.UserID == nil || *r.UserID != *filter.UserID) {
			continue
		}
		if filter.ExcludeUserID != nil && r.UserID != nil && *r.UserID == *filter.ExcludeUserID {
			continue
		}
		if filter.Status != "" && string(r.Status) != filter.Status {
			continue
		}
		if filter.Category != "" && r.Category != filter.Category {
			continue
		}
		if filter.DepartmentID != nil && (r.DepartmentID == nil || *r.DepartmentID != *filter.DepartmentID) {
			continue
		}
		matched = append(matched, r)
	}
	// ids grow with created_at, so id order is creation order
	sort.Slice(matched, func(i, j int) bool {
		if filter.OldestFirst {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].ID > matched[j].ID
	})
	if filter.Limit > 0 {
		start := min(filter.Offset, len(matched))
		end := min(start+filter.Limit, len(matched))
		matched = matched[start:end]
	}
	return matched, nil
}

func (s *memStore) UpdateReport(_ context.Context, id int, update ReportUpdate) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.reportIndex(id)
	if idx < 0 {
		return nil, errReportNotFound
	}
	report := &s.reports[idx]
	if s.beforeUpdate != nil {
		s.beforeUpdate(report)
	}
	if update.ExpectedStatus != "" && report.Status != update.ExpectedStatus {
		return nil, errStatusConflict
	}

	if update.Title != nil {
		report.Title = *update.Title
	}
	if update.Description != nil {
		report.Description = *update.Description
	}
	if update.Category != nil {
		report.Category = *update.Category
	}
	if update.Address != nil {
		report.Address = update.Address
	}
	if update.Priority != nil {
		report.Priority = *update.Priority
	}
	if update.UrgencyScore != nil {
		report.UrgencyScore = *update.UrgencyScore
	}
	if update.RoutingSource != nil {
		report.RoutingSource = *update.RoutingSource
	}
	if update.AssignedTo != nil {
		report.AssignedTo = update.AssignedTo
	}
	if update.DepartmentID != nil {
		report.DepartmentID = update.DepartmentID
		report.DepartmentName = s.departmentName(*update.DepartmentID)
	}
	if update.ResolutionComment != nil {
		report.ResolutionComment = update.ResolutionComment
	}
	ts := s.tick()
	if update.Status != nil {
		report.Status = *update.Status
		changedBy := update.ChangedBy
		s.history = append(s.history, StatusHistoryEntry{
			ID:        len(s.history) + 1,
			ReportID:  id,
			OldStatus: update.ExpectedStatus,
			NewStatus: *update.Status,
			Comment:   update.StatusComment,
			ChangedBy: &changedBy,
			CreatedAt: ts,
		})
	}
	if update.Notification != nil {
		s.notifications = append(s.notifications, Notification{
			ID:        len(s.notifications) + 1,
			UserID:    update.Notification.UserID,
			ReportID:  update.Notification.ReportID,
			Title:     update.Notification.Title,
			Message:   update.Notification.Message,
			CreatedAt: ts,
		})
	}
	report.UpdatedAt = ts
	out := *report
	return &out, nil
}

func (s *memStore) SetReportAddress(_ context.Context, id int, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.reportIndex(id); idx >= 0 {
		if s.reports[idx].Address == nil || *s.reports[idx].Address == "" {
			s.reports[idx].Address = &address
		}
	}
	return nil
}

func (s *memStore) CountReportsByStatus(_ context.Context, userID *int) (StatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts StatusCounts
	for _, r := range s.reports {
		if userID != nil && (r.UserID == nil || *r.UserID != *userID) {
			continue
		}
		counts.add(r.Status, 1)
	}
	return counts, nil
}

func (s *memStore) CountReportsByDepartment(context.Context) ([]DepartmentCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byName := map[string]*DepartmentCount{}
	order := make([]string, 0)
	for _, r := range s.reports {
		name := "Unassigned"
		if r.DepartmentName != nil {
			name = *r.DepartmentName
		}
		entry, ok := byName[name]
		if !ok {
			entry = &DepartmentCount{DepartmentID: r.DepartmentID, DepartmentName: name}
			byName[name] = entry
			order = append(order, name)
		}
		entry.Count++
	}
	out := make([]DepartmentCount, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out, nil
}

func (s *memStore) ListStatusHistory(_ context.Context, reportID int) ([]StatusHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusHistoryEntry, 0)
	for _, h := range s.history {
		if h.ReportID == reportID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *memStore) ListNotifications(_ context.Context, userID int) ([]Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, 0)
	for i := len(s.notifications) - 1; i >= 0 && len(out) < notificationListLimit; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return out, nil
}

func (s *memStore) CountUnreadNotifications(_ context.Context, userID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unread := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.IsRead {
			unread++
		}
	}
	return unread, nil
}

func (s *memStore) MarkNotificationRead(_ context.Context, userID, notificationID int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].ID == notificationID && s.notifications[i].UserID == userID {
			s.notifications[i].IsRead = true
			return true, nil
		}
	}
	return false, nil
}

// memMedia records saved objects instead of writing them anywhere.
type memMedia struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memMedia) Save(_ context.Context, key, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = data
	return "https://media.test/" + key, nil
}

type stubGeocoder struct {
	result *GeocodeResult
	err    error
	calls  int
}

func (g *stubGeocoder) Geocode(context.Context, float64, float64) (*GeocodeResult, error) {
	g.calls++
	return g.result, g.err
}

type testEnv struct {
	app    *App
	store  *memStore
	media  *memMedia
	mail   *mailer.MemoryProvider
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := newMemStore()
	media := &memMedia{}
	mail := mailer.NewMemoryProvider()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app := &App{
		cfg: &Config{
			Env:           "test",
			JWTSecret:     testJWTSecret,
			PublicBaseURL: "http://localhost:8080",
		},
		log:         logger,
		store:       store,
		router:      &AutoRouter{Log: logger},
		media:       media,
		mailer:      mailer.New(mail, "noreply@civicreport.test"),
		metrics:     newMetrics(),
		bcryptCost:  bcrypt.MinCost,
		rateBuckets: make(map[string]rateBucket),
		asyncRunner: func(timeout time.Duration, task func(ctx context.Context)) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			task(ctx)
		},
	}
	return &testEnv{app: app, store: store, media: media, mail: mail, router: app.routes()}
}

func (e *testEnv) createUser(t *testing.T, name, email, role string) User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	require.NoError(t, err)
	user, err := e.store.CreateUser(context.Background(), NewUser{Name: name, Email: email, PasswordHash: string(hash), Role: role})
	require.NoError(t, err)
	return user
}

func (e *testEnv) token(t *testing.T, user User) string {
	t.Helper()
	token, err := e.app.createSessionToken(user, time.Now().UTC())
	require.NoError(t, err)
	return token
}

// do sends a request as user (nil for anonymous) and returns the recorder.
func (e *testEnv) do(t *testing.T, user *User, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		encoded, err := json.Marshal(v)
		require.NoError(t, err)
		reader = strings.NewReader(string(encoded))
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != nil {
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: e.token(t, *user)})
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, key string, target any) {
	t.Helper()
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope), "body: %s", rec.Body.String())
	raw, ok := envelope[key]
	require.True(t, ok, "missing %q in %s", key, rec.Body.String())
	require.NoError(t, json.Unmarshal(raw, target))
}

var errTestBoom = errors.New("boom")
