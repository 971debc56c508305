package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusworks/enroll-api/internal/dto"
	"github.com/campusworks/enroll-api/internal/models"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
)

type requestRepository interface {
	Create(ctx context.Context, studentID, courseID string) (*models.EnrollmentRequest, error)
	FindByID(ctx context.Context, id string) (*models.EnrollmentRequest, error)
	List(ctx context.Context, filter models.EnrollmentRequestFilter) ([]models.EnrollmentRequestDetail, int, error)
	CountPending(ctx context.Context, courseID string) (int, error)
	Delete(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, target models.RequestStatus, reviewedBy, note string) (*models.EnrollmentRequest, error)
}

type requestStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
}

type requestCourseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type pendingCountCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type transitionMetrics interface {
	RecordRequestTransition(action string, success bool)
	RecordBulkBatch(total, failed int)
}

// EnrollmentRequestService owns the request state machine: creation, single
// approve/reject, and bulk batch processing. Persistence-level atomicity
// lives in the repository; this layer adds validation, caller scoping,
// notification side effects, and result aggregation.
type EnrollmentRequestService struct {
	repo      requestRepository
	students  requestStudentReader
	courses   requestCourseReader
	notifier  Notifier
	cache     pendingCountCache
	metrics   transitionMetrics
	validator *validator.Validate
	logger    *zap.Logger

	bulkWorkers int
	cacheTTL    time.Duration
}

// EnrollmentRequestServiceOption configures optional collaborators.
type EnrollmentRequestServiceOption func(*EnrollmentRequestService)

// WithPendingCountCache enables cached pending counters.
func WithPendingCountCache(cache pendingCountCache, ttl time.Duration) EnrollmentRequestServiceOption {
	return func(s *EnrollmentRequestService) {
		s.cache = cache
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithTransitionMetrics wires domain counters.
func WithTransitionMetrics(metrics transitionMetrics) EnrollmentRequestServiceOption {
	return func(s *EnrollmentRequestService) {
		s.metrics = metrics
	}
}

// WithBulkWorkers enables concurrent bulk item processing with the given
// pool size. Zero or one keeps items sequential.
func WithBulkWorkers(workers int) EnrollmentRequestServiceOption {
	return func(s *EnrollmentRequestService) {
		s.bulkWorkers = workers
	}
}

// NewEnrollmentRequestService constructs the service.
func NewEnrollmentRequestService(repo requestRepository, students requestStudentReader, courses requestCourseReader, notifier Notifier, validate *validator.Validate, logger *zap.Logger, opts ...EnrollmentRequestServiceOption) *EnrollmentRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &EnrollmentRequestService{
		repo:      repo,
		students:  students,
		courses:   courses,
		notifier:  notifier,
		validator: validate,
		logger:    logger,
		cacheTTL:  time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create opens a PENDING request after validating the student and course
// references. Students create for themselves; admins may create on behalf.
func (s *EnrollmentRequestService) Create(ctx context.Context, req dto.CreateEnrollmentRequestRequest, actor *models.JWTClaims) (*models.EnrollmentRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment request payload")
	}

	student, err := s.resolveStudent(ctx, req.StudentID, actor)
	if err != nil {
		return nil, err
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "student is inactive")
	}

	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	if !course.Open {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "course is closed for enrollment")
	}

	request, err := s.repo.Create(ctx, student.ID, req.CourseID)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment request")
	}

	s.invalidatePendingCounts(ctx, request.CourseID)
	s.notify(ctx, models.NotificationRequestCreated, student, request)
	return request, nil
}

// Approve transitions a pending request to APPROVED, creating the
// enrollment in the same storage transaction.
func (s *EnrollmentRequestService) Approve(ctx context.Context, id, reviewedBy, note string) (*models.EnrollmentRequest, error) {
	return s.review(ctx, id, models.RequestStatusApproved, reviewedBy, note)
}

// Reject transitions a pending request to REJECTED.
func (s *EnrollmentRequestService) Reject(ctx context.Context, id, reviewedBy, note string) (*models.EnrollmentRequest, error) {
	return s.review(ctx, id, models.RequestStatusRejected, reviewedBy, note)
}

func (s *EnrollmentRequestService) review(ctx context.Context, id string, target models.RequestStatus, reviewedBy, note string) (*models.EnrollmentRequest, error) {
	action := actionForStatus(target)
	request, err := s.repo.Transition(ctx, id, target, reviewedBy, note)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRequestTransition(action, false)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment request not found")
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to transition enrollment request")
	}
	if s.metrics != nil {
		s.metrics.RecordRequestTransition(action, true)
	}

	s.invalidatePendingCounts(ctx, request.CourseID)

	eventType := models.NotificationRequestApproved
	if target == models.RequestStatusRejected {
		eventType = models.NotificationRequestRejected
	}
	student, err := s.students.FindByID(ctx, request.StudentID)
	if err != nil {
		s.logger.Warn("failed to load student for notification",
			zap.String("request_id", request.ID), zap.Error(err))
	} else {
		s.notify(ctx, eventType, student, request)
	}
	return request, nil
}

// Get returns a request, scoped to its owner for student callers.
func (s *EnrollmentRequestService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment request not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment request")
	}
	if actor.Role == models.RoleStudent {
		student, err := s.students.FindByUserID(ctx, actor.UserID)
		if err != nil || student.ID != request.StudentID {
			return nil, appErrors.ErrForbidden
		}
	}
	return request, nil
}

// List returns requests with pagination metadata. Student callers only see
// their own requests regardless of the submitted filter.
func (s *EnrollmentRequestService) List(ctx context.Context, filter models.EnrollmentRequestFilter, actor *models.JWTClaims) ([]models.EnrollmentRequestDetail, *models.Pagination, error) {
	if actor == nil {
		return nil, nil, appErrors.ErrUnauthorized
	}
	if actor.Role == models.RoleStudent {
		student, err := s.students.FindByUserID(ctx, actor.UserID)
		if err != nil {
			return nil, nil, appErrors.ErrForbidden
		}
		filter.StudentID = student.ID
	}
	requests, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollment requests")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return requests, pagination, nil
}

// Delete withdraws a still-pending request. Students may only withdraw
// their own.
func (s *EnrollmentRequestService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	request, err := s.Get(ctx, id, actor)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "enrollment request not found")
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return appErr
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete enrollment request")
	}
	s.invalidatePendingCounts(ctx, request.CourseID)
	return nil
}

// CountPending returns the number of pending requests, optionally for a
// single course, served from cache when possible. The boolean reports
// whether the value came from cache.
func (s *EnrollmentRequestService) CountPending(ctx context.Context, courseID string) (int, bool, error) {
	key := pendingCountKey(courseID)
	if s.cache != nil {
		var cached int
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached, true, nil
		} else if !appErrors.HasCode(err, appErrors.ErrCacheMiss.Code) {
			s.logger.Warn("pending count cache read failed", zap.Error(err))
		}
	}
	count, err := s.repo.CountPending(ctx, courseID)
	if err != nil {
		return 0, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count pending requests")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, key, count, s.cacheTTL); err != nil {
			s.logger.Warn("pending count cache write failed", zap.Error(err))
		}
	}
	return count, false, nil
}

// BulkProcess applies one admin decision to many requests. The two
// precondition checks fail the whole call; afterwards every item runs in its
// own storage transaction and failures are captured per item, never
// propagated. Between items the context is checked so callers can cancel a
// long batch without corrupting recorded outcomes.
func (s *EnrollmentRequestService) BulkProcess(ctx context.Context, req dto.BulkProcessRequest, reviewedBy string) (*dto.BulkResult, error) {
	if len(req.RequestIDs) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoRequestIDs, "")
	}
	if req.Action != dto.BulkActionApprove && req.Action != dto.BulkActionReject {
		return nil, appErrors.Clone(appErrors.ErrInvalidAction, fmt.Sprintf("unsupported bulk action: %s", req.Action))
	}

	aggregator := newBulkAggregator(len(req.RequestIDs))
	processItem := func(idx int, id string) {
		var err error
		if req.Action == dto.BulkActionApprove {
			_, err = s.Approve(ctx, id, reviewedBy, req.AdminNote)
		} else {
			_, err = s.Reject(ctx, id, reviewedBy, req.AdminNote)
		}
		if err != nil {
			aggregator.RecordFailure(idx, id, err)
			return
		}
		aggregator.RecordSuccess(idx, id)
	}

	if s.bulkWorkers > 1 {
		s.fanOut(ctx, req.RequestIDs, processItem)
	} else {
		for idx, id := range req.RequestIDs {
			if ctx.Err() != nil {
				break
			}
			processItem(idx, id)
		}
	}

	result := aggregator.Finalize()
	if s.metrics != nil {
		s.metrics.RecordBulkBatch(result.TotalProcessed, result.FailureCount)
	}
	s.logger.Info("bulk enrollment request batch processed",
		zap.String("action", req.Action),
		zap.Int("total", result.TotalProcessed),
		zap.Int("succeeded", result.SuccessCount),
		zap.Int("failed", result.FailureCount))
	return result, nil
}

// fanOut runs items on a bounded worker pool. Row locks in the repository
// keep concurrent items on the same request serialized, so the pool only
// changes throughput, not outcomes.
func (s *EnrollmentRequestService) fanOut(ctx context.Context, ids []string, processItem func(int, string)) {
	sem := make(chan struct{}, s.bulkWorkers)
	var wg sync.WaitGroup
	for idx, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			processItem(idx, id)
		}(idx, id)
	}
	wg.Wait()
}

func (s *EnrollmentRequestService) resolveStudent(ctx context.Context, studentID string, actor *models.JWTClaims) (*models.Student, error) {
	if actor.Role == models.RoleStudent {
		student, err := s.students.FindByUserID(ctx, actor.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrForbidden, "no student record linked to account")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
		}
		return student, nil
	}
	if studentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student_id is required")
	}
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

// notify dispatches a lifecycle event, best effort. Errors are logged and
// never returned to the caller.
func (s *EnrollmentRequestService) notify(ctx context.Context, eventType models.NotificationType, student *models.Student, request *models.EnrollmentRequest) {
	if s.notifier == nil || student == nil || student.UserID == nil {
		return
	}
	event := NotificationEvent{
		Type:        eventType,
		RecipientID: *student.UserID,
		Request:     request,
	}
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.Warn("failed to dispatch notification",
			zap.String("type", string(eventType)),
			zap.String("request_id", request.ID),
			zap.Error(err))
	}
}

func (s *EnrollmentRequestService) invalidatePendingCounts(ctx context.Context, courseID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "pending_count:*"); err != nil {
		s.logger.Warn("failed to invalidate pending count cache",
			zap.String("course_id", courseID), zap.Error(err))
	}
}

func actionForStatus(status models.RequestStatus) string {
	if status == models.RequestStatusApproved {
		return dto.BulkActionApprove
	}
	return dto.BulkActionReject
}

func pendingCountKey(courseID string) string {
	if courseID == "" {
		return "pending_count:all"
	}
	return "pending_count:" + courseID
}
