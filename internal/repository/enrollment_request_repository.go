package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/campusworks/enroll-api/internal/models"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
)

// EnrollmentRequestRepository handles persistence of enrollment requests and
// owns the atomic status transition primitive.
type EnrollmentRequestRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRequestRepository constructs the repository.
func NewEnrollmentRequestRepository(db *sqlx.DB) *EnrollmentRequestRepository {
	return &EnrollmentRequestRepository{db: db}
}

const requestColumns = `id, student_id, course_id, status, admin_note, reviewed_by, reviewed_at, created_at`

// Create opens a new PENDING request for the student/course pair. The
// duplicate-pending and already-enrolled checks run inside one transaction so
// two concurrent creates for the same pair cannot both pass; the partial
// unique index on pending rows is the backstop.
func (r *EnrollmentRequestRepository) Create(ctx context.Context, studentID, courseID string) (*models.EnrollmentRequest, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "begin create request")
	}
	defer tx.Rollback() //nolint:errcheck

	var pendingID string
	const dupQuery = `SELECT id FROM enrollment_requests WHERE student_id = $1 AND course_id = $2 AND status = 'PENDING' FOR UPDATE`
	if err := tx.GetContext(ctx, &pendingID, dupQuery, studentID, courseID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrDuplicateRequest, "")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check pending request: %w", err)
	}

	var exists int
	const enrolledQuery = `SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 LIMIT 1`
	if err := tx.GetContext(ctx, &exists, enrolledQuery, studentID, courseID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}

	request := &models.EnrollmentRequest{
		ID:        uuid.NewString(),
		StudentID: studentID,
		CourseID:  courseID,
		Status:    models.RequestStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	const insertQuery = `INSERT INTO enrollment_requests (id, student_id, course_id, status, created_at)
        VALUES (:id, :student_id, :course_id, :status, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, request); err != nil {
		if isUniqueViolation(err) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateRequest, "")
		}
		return nil, fmt.Errorf("insert enrollment request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create request: %w", err)
	}
	return request, nil
}

// FindByID returns a request by its ID.
func (r *EnrollmentRequestRepository) FindByID(ctx context.Context, id string) (*models.EnrollmentRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollment_requests WHERE id = $1`, requestColumns)
	var request models.EnrollmentRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		return nil, err
	}
	return &request, nil
}

// List returns requests filtered by the provided criteria, newest first.
func (r *EnrollmentRequestRepository) List(ctx context.Context, filter models.EnrollmentRequestFilter) ([]models.EnrollmentRequestDetail, int, error) {
	base := `FROM enrollment_requests r
LEFT JOIN students s ON s.id = r.student_id
LEFT JOIN courses c ON c.id = r.course_id`
	var conditions []string
	var args []interface{}

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("r.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("r.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("r.course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT r.id, r.student_id, r.course_id, r.status, r.admin_note, r.reviewed_by, r.reviewed_at, r.created_at,
        s.full_name AS student_name, c.code AS course_code, c.title AS course_title
        %s ORDER BY r.created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)

	var requests []models.EnrollmentRequestDetail
	if err := r.db.SelectContext(ctx, &requests, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollment requests: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollment requests: %w", err)
	}
	return requests, total, nil
}

// CountPending returns the number of pending requests, optionally scoped to
// one course.
func (r *EnrollmentRequestRepository) CountPending(ctx context.Context, courseID string) (int, error) {
	query := `SELECT COUNT(*) FROM enrollment_requests WHERE status = 'PENDING'`
	args := []interface{}{}
	if courseID != "" {
		query += " AND course_id = $1"
		args = append(args, courseID)
	}
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count pending requests: %w", err)
	}
	return count, nil
}

// Delete removes a request while it is still pending. Terminal requests stay
// for the audit trail.
func (r *EnrollmentRequestRepository) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM enrollment_requests WHERE id = $1 AND status = 'PENDING'`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete enrollment request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check deleted rows: %w", err)
	}
	if rows == 0 {
		var exists int
		if err := r.db.GetContext(ctx, &exists, `SELECT 1 FROM enrollment_requests WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sql.ErrNoRows
			}
			return fmt.Errorf("check request existence: %w", err)
		}
		return appErrors.Clone(appErrors.ErrInvalidState, "only pending requests can be deleted")
	}
	return nil
}

// Transition moves a pending request into a terminal state inside a single
// transaction. The row is locked before the status check, so a concurrent
// transition on the same id waits here and then observes the terminal state.
// An APPROVED target also creates the enrollment row; both writes commit
// together or not at all.
func (r *EnrollmentRequestRepository) Transition(ctx context.Context, id string, target models.RequestStatus, reviewedBy, note string) (*models.EnrollmentRequest, error) {
	if !target.IsTerminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "target status must be terminal")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStoreUnavailable.Code, appErrors.ErrStoreUnavailable.Status, "begin transition")
	}
	defer tx.Rollback() //nolint:errcheck

	var request models.EnrollmentRequest
	lockQuery := fmt.Sprintf(`SELECT %s FROM enrollment_requests WHERE id = $1 FOR UPDATE`, requestColumns)
	if err := tx.GetContext(ctx, &request, lockQuery, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("lock enrollment request: %w", err)
	}
	if request.Status != models.RequestStatusPending {
		return nil, appErrors.Clone(appErrors.ErrNotPending, "")
	}

	if target == models.RequestStatusApproved {
		var exists int
		const enrolledQuery = `SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 LIMIT 1`
		if err := tx.GetContext(ctx, &exists, enrolledQuery, request.StudentID, request.CourseID); err == nil {
			return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check enrollment: %w", err)
		}

		const insertEnrollment = `INSERT INTO enrollments (id, student_id, course_id, request_id, created_at)
            VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.ExecContext(ctx, insertEnrollment, uuid.NewString(), request.StudentID, request.CourseID, request.ID, time.Now().UTC()); err != nil {
			if isUniqueViolation(err) {
				return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
			}
			return nil, fmt.Errorf("insert enrollment: %w", err)
		}
	}

	now := time.Now().UTC()
	const updateQuery = `UPDATE enrollment_requests
        SET status = $2, reviewed_by = $3, reviewed_at = $4, admin_note = $5
        WHERE id = $1`
	var adminNote *string
	if note != "" {
		adminNote = &note
	}
	if _, err := tx.ExecContext(ctx, updateQuery, id, target, reviewedBy, now, adminNote); err != nil {
		return nil, fmt.Errorf("update request status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	request.Status = target
	request.ReviewedBy = &reviewedBy
	request.ReviewedAt = &now
	request.AdminNote = adminNote
	return &request, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
