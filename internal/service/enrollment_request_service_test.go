package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/enroll-api/internal/dto"
	"github.com/campusworks/enroll-api/internal/models"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
)

type requestRepoStub struct {
	mu       sync.Mutex
	requests map[string]*models.EnrollmentRequest
	enrolled map[string]bool

	createErr    error
	deleted      []string
	pending      int
	countHits    int
	onTransition func(id string)
}

func newRequestRepoStub() *requestRepoStub {
	return &requestRepoStub{
		requests: make(map[string]*models.EnrollmentRequest),
		enrolled: make(map[string]bool),
	}
}

func (r *requestRepoStub) add(id, studentID, courseID string, status models.RequestStatus) {
	r.requests[id] = &models.EnrollmentRequest{
		ID:        id,
		StudentID: studentID,
		CourseID:  courseID,
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func (r *requestRepoStub) Create(ctx context.Context, studentID, courseID string) (*models.EnrollmentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	for _, req := range r.requests {
		if req.StudentID == studentID && req.CourseID == courseID && req.Status == models.RequestStatusPending {
			return nil, appErrors.Clone(appErrors.ErrDuplicateRequest, "")
		}
	}
	if r.enrolled[studentID+"/"+courseID] {
		return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
	}
	request := &models.EnrollmentRequest{
		ID:        "req-" + studentID + "-" + courseID,
		StudentID: studentID,
		CourseID:  courseID,
		Status:    models.RequestStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	r.requests[request.ID] = request
	return request, nil
}

func (r *requestRepoStub) FindByID(ctx context.Context, id string) (*models.EnrollmentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req, ok := r.requests[id]; ok {
		copy := *req
		return &copy, nil
	}
	return nil, sql.ErrNoRows
}

func (r *requestRepoStub) List(ctx context.Context, filter models.EnrollmentRequestFilter) ([]models.EnrollmentRequestDetail, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []models.EnrollmentRequestDetail
	for _, req := range r.requests {
		if filter.StudentID != "" && req.StudentID != filter.StudentID {
			continue
		}
		items = append(items, models.EnrollmentRequestDetail{EnrollmentRequest: *req})
	}
	return items, len(items), nil
}

func (r *requestRepoStub) CountPending(ctx context.Context, courseID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.countHits++
	return r.pending, nil
}

func (r *requestRepoStub) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return sql.ErrNoRows
	}
	if req.Status != models.RequestStatusPending {
		return appErrors.Clone(appErrors.ErrInvalidState, "only pending requests can be deleted")
	}
	delete(r.requests, id)
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *requestRepoStub) Transition(ctx context.Context, id string, target models.RequestStatus, reviewedBy, note string) (*models.EnrollmentRequest, error) {
	if r.onTransition != nil {
		r.onTransition(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if req.Status != models.RequestStatusPending {
		return nil, appErrors.Clone(appErrors.ErrNotPending, "")
	}
	if target == models.RequestStatusApproved {
		key := req.StudentID + "/" + req.CourseID
		if r.enrolled[key] {
			return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
		}
		r.enrolled[key] = true
	}
	now := time.Now().UTC()
	req.Status = target
	req.ReviewedBy = &reviewedBy
	req.ReviewedAt = &now
	if note != "" {
		req.AdminNote = &note
	}
	copy := *req
	return &copy, nil
}

type studentReaderStub struct {
	students map[string]*models.Student
}

func newStudentReaderStub(students ...*models.Student) *studentReaderStub {
	stub := &studentReaderStub{students: make(map[string]*models.Student)}
	for _, s := range students {
		stub.students[s.ID] = s
	}
	return stub
}

func (s *studentReaderStub) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if student, ok := s.students[id]; ok {
		return student, nil
	}
	return nil, sql.ErrNoRows
}

func (s *studentReaderStub) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	for _, student := range s.students {
		if student.UserID != nil && *student.UserID == userID {
			return student, nil
		}
	}
	return nil, sql.ErrNoRows
}

type courseReaderStub struct {
	courses map[string]*models.Course
}

func (c *courseReaderStub) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if course, ok := c.courses[id]; ok {
		return course, nil
	}
	return nil, sql.ErrNoRows
}

type notifierStub struct {
	mu     sync.Mutex
	events []NotificationEvent
}

func (n *notifierStub) Notify(ctx context.Context, event NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type cacheStub struct {
	values map[string]int
	sets   int
}

func (c *cacheStub) Get(ctx context.Context, key string, dest interface{}) error {
	if value, ok := c.values[key]; ok {
		*(dest.(*int)) = value
		return nil
	}
	return appErrors.Clone(appErrors.ErrCacheMiss, "")
}

func (c *cacheStub) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.sets++
	return nil
}

func (c *cacheStub) DeleteByPattern(ctx context.Context, pattern string) error {
	c.values = map[string]int{}
	return nil
}

func strPtr(s string) *string { return &s }

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}

func studentClaims(userID string) *models.JWTClaims {
	return &models.JWTClaims{UserID: userID, Role: models.RoleStudent}
}

func newTestService(repo *requestRepoStub, students *studentReaderStub, courses *courseReaderStub, notifier Notifier, opts ...EnrollmentRequestServiceOption) *EnrollmentRequestService {
	return NewEnrollmentRequestService(repo, students, courses, notifier, nil, nil, opts...)
}

func defaultFixture() (*requestRepoStub, *studentReaderStub, *courseReaderStub, *notifierStub) {
	repo := newRequestRepoStub()
	students := newStudentReaderStub(
		&models.Student{ID: "student-1", UserID: strPtr("user-1"), FullName: "Budi Santoso", Active: true},
		&models.Student{ID: "student-2", UserID: strPtr("user-2"), FullName: "Dewi Lestari", Active: true},
	)
	courses := &courseReaderStub{courses: map[string]*models.Course{
		"course-1": {ID: "course-1", Code: "MATH101", Title: "Calculus I", Open: true},
		"course-2": {ID: "course-2", Code: "PHYS201", Title: "Mechanics", Open: false},
	}}
	return repo, students, courses, &notifierStub{}
}

func TestEnrollmentRequestServiceCreate(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	svc := newTestService(repo, students, courses, notifier)

	request, err := svc.Create(context.Background(), dto.CreateEnrollmentRequestRequest{CourseID: "course-1"}, studentClaims("user-1"))
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, request.Status)
	assert.Equal(t, "student-1", request.StudentID)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.NotificationRequestCreated, notifier.events[0].Type)
	assert.Equal(t, "user-1", notifier.events[0].RecipientID)
}

func TestEnrollmentRequestServiceCreateDuplicate(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.Create(context.Background(), dto.CreateEnrollmentRequestRequest{CourseID: "course-1"}, studentClaims("user-1"))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrDuplicateRequest.Code))
	assert.Empty(t, notifier.events)
}

func TestEnrollmentRequestServiceCreateClosedCourse(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.Create(context.Background(), dto.CreateEnrollmentRequestRequest{CourseID: "course-2"}, studentClaims("user-1"))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState.Code))
}

func TestEnrollmentRequestServiceCreateAdminOnBehalf(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	svc := newTestService(repo, students, courses, notifier)

	request, err := svc.Create(context.Background(), dto.CreateEnrollmentRequestRequest{CourseID: "course-1", StudentID: "student-2"}, adminClaims())
	require.NoError(t, err)
	assert.Equal(t, "student-2", request.StudentID)
}

func TestEnrollmentRequestServiceApprove(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	request, err := svc.Approve(context.Background(), "req-1", "admin-1", "welcome")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, request.Status)
	require.NotNil(t, request.ReviewedBy)
	assert.Equal(t, "admin-1", *request.ReviewedBy)
	assert.True(t, repo.enrolled["student-1/course-1"])

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.NotificationRequestApproved, notifier.events[0].Type)
}

func TestEnrollmentRequestServiceApproveNotPending(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusApproved)
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.Approve(context.Background(), "req-1", "admin-1", "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotPending.Code))
	assert.Empty(t, notifier.events)
}

func TestEnrollmentRequestServiceApproveNotFound(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.Approve(context.Background(), "missing", "admin-1", "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound.Code))
}

func TestEnrollmentRequestServiceRejectKeepsEnrollmentAbsent(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	request, err := svc.Reject(context.Background(), "req-1", "admin-1", "course full")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, request.Status)
	assert.False(t, repo.enrolled["student-1/course-1"])

	require.Len(t, notifier.events, 1)
	assert.Equal(t, models.NotificationRequestRejected, notifier.events[0].Type)
}

func TestEnrollmentRequestServiceGetScopedToOwner(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.Get(context.Background(), "req-1", studentClaims("user-2"))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))

	request, err := svc.Get(context.Background(), "req-1", studentClaims("user-1"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", request.ID)
}

func TestEnrollmentRequestServiceListForcesStudentFilter(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	repo.add("req-2", "student-2", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	items, pagination, err := svc.List(context.Background(), models.EnrollmentRequestFilter{}, studentClaims("user-1"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "student-1", items[0].StudentID)
	assert.Equal(t, 1, pagination.TotalCount)
}

func TestEnrollmentRequestServiceDelete(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	require.NoError(t, svc.Delete(context.Background(), "req-1", studentClaims("user-1")))
	assert.Equal(t, []string{"req-1"}, repo.deleted)
}

func TestEnrollmentRequestServiceDeleteTerminal(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusRejected)
	svc := newTestService(repo, students, courses, notifier)

	err := svc.Delete(context.Background(), "req-1", adminClaims())
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState.Code))
}

func TestEnrollmentRequestServiceCountPendingUsesCache(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.pending = 3
	cache := &cacheStub{values: map[string]int{"pending_count:all": 42}}
	svc := newTestService(repo, students, courses, notifier, WithPendingCountCache(cache, time.Minute))

	count, fromCache, err := svc.CountPending(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.True(t, fromCache)
	assert.Zero(t, repo.countHits)

	count, fromCache, err = svc.CountPending(context.Background(), "course-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.False(t, fromCache)
	assert.Equal(t, 1, repo.countHits)
	assert.Equal(t, 1, cache.sets)
}

func TestEnrollmentRequestServiceNotifierFailureNeverAffectsResult(t *testing.T) {
	repo, students, courses, _ := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	repo.add("req-2", "student-2", "course-1", models.RequestStatusPending)
	calls := 0
	failing := NotifierFunc(func(ctx context.Context, event NotificationEvent) error {
		calls++
		return errors.New("notification channel down")
	})
	svc := newTestService(repo, students, courses, failing)

	approved, err := svc.Approve(context.Background(), "req-1", "admin-1", "ok")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, approved.Status)
	assert.True(t, repo.enrolled["student-1/course-1"])

	rejected, err := svc.Reject(context.Background(), "req-2", "admin-1", "full")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, rejected.Status)

	created, err := svc.Create(context.Background(), dto.CreateEnrollmentRequestRequest{CourseID: "course-1"}, studentClaims("user-2"))
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, created.Status)

	assert.Equal(t, 3, calls)
}

func TestEnrollmentRequestServiceApproveWhenStudentLookupFails(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-9", "student-gone", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	request, err := svc.Approve(context.Background(), "req-9", "admin-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, request.Status)
	assert.Empty(t, notifier.events)
}

func TestEnrollmentRequestServiceBulkProcess(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	repo.add("req-2", "student-2", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	result, err := svc.BulkProcess(context.Background(), dto.BulkProcessRequest{
		RequestIDs: []string{"req-1", "req-2"},
		Action:     dto.BulkActionApprove,
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1", "req-2"}, result.Successful)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
}

func TestEnrollmentRequestServiceBulkProcessPartialFailure(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	repo.add("req-2", "student-2", "course-1", models.RequestStatusApproved)
	repo.add("req-3", "student-2", "course-2", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	result, err := svc.BulkProcess(context.Background(), dto.BulkProcessRequest{
		RequestIDs: []string{"req-1", "req-2", "req-3"},
		Action:     dto.BulkActionReject,
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1", "req-3"}, result.Successful)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "req-2", result.Failed[0].RequestID)
	assert.Equal(t, "request is not pending", result.Failed[0].Error)
	assert.Equal(t, 3, result.TotalProcessed)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
}

func TestEnrollmentRequestServiceBulkProcessEmptyIDs(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.BulkProcess(context.Background(), dto.BulkProcessRequest{Action: dto.BulkActionApprove}, "admin-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNoRequestIDs.Code))
}

func TestEnrollmentRequestServiceBulkProcessInvalidAction(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	svc := newTestService(repo, students, courses, notifier)

	_, err := svc.BulkProcess(context.Background(), dto.BulkProcessRequest{
		RequestIDs: []string{"req-1"},
		Action:     "archive",
	}, "admin-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidAction.Code))
}

func TestEnrollmentRequestServiceBulkProcessCancelled(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	repo.add("req-2", "student-2", "course-1", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.BulkProcess(ctx, dto.BulkProcessRequest{
		RequestIDs: []string{"req-1", "req-2"},
		Action:     dto.BulkActionApprove,
	}, "admin-1")
	require.NoError(t, err)
	assert.Zero(t, result.TotalProcessed)
	assert.Empty(t, result.Successful)
	assert.Empty(t, result.Failed)
}

func TestEnrollmentRequestServiceBulkProcessMidBatchCancel(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	repo.add("req-1", "student-1", "course-1", models.RequestStatusPending)
	repo.add("req-2", "student-2", "course-1", models.RequestStatusPending)
	repo.add("req-3", "student-2", "course-2", models.RequestStatusPending)
	svc := newTestService(repo, students, courses, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	repo.onTransition = func(id string) {
		if id == "req-2" {
			cancel()
		}
	}

	result, err := svc.BulkProcess(ctx, dto.BulkProcessRequest{
		RequestIDs: []string{"req-1", "req-2", "req-3"},
		Action:     dto.BulkActionApprove,
	}, "admin-1")
	require.NoError(t, err)

	// The in-flight item still completes; only unattempted ids are absent.
	assert.Equal(t, []string{"req-1", "req-2"}, result.Successful)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 2, result.SuccessCount)

	remaining, err := repo.FindByID(context.Background(), "req-3")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusPending, remaining.Status)
}

func TestEnrollmentRequestServiceBulkProcessConcurrentPreservesOrder(t *testing.T) {
	repo, students, courses, notifier := defaultFixture()
	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := "req-" + string(rune('a'+i))
		repo.add(id, "student-1", "course-"+string(rune('a'+i)), models.RequestStatusPending)
		ids = append(ids, id)
	}
	svc := newTestService(repo, students, courses, notifier, WithBulkWorkers(4))

	result, err := svc.BulkProcess(context.Background(), dto.BulkProcessRequest{
		RequestIDs: ids,
		Action:     dto.BulkActionReject,
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, ids, result.Successful)
	assert.Equal(t, len(ids), result.TotalProcessed)
}
