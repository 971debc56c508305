package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusworks/enroll-api/internal/models"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
)

type enrollmentRepoStub struct {
	items  []models.EnrollmentDetail
	filter models.EnrollmentFilter
}

func (s *enrollmentRepoStub) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	s.filter = filter
	var matched []models.EnrollmentDetail
	for _, item := range s.items {
		if filter.StudentID != "" && item.StudentID != filter.StudentID {
			continue
		}
		matched = append(matched, item)
	}
	return matched, len(matched), nil
}

func (s *enrollmentRepoStub) ListByStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	var matched []models.Enrollment
	for _, item := range s.items {
		if item.StudentID == studentID {
			matched = append(matched, item.Enrollment)
		}
	}
	return matched, nil
}

func enrollmentFixture() *enrollmentRepoStub {
	return &enrollmentRepoStub{items: []models.EnrollmentDetail{
		{Enrollment: models.Enrollment{ID: "enr-1", StudentID: "student-1", CourseID: "course-1", CreatedAt: time.Now().UTC()}, CourseCode: "MATH101"},
		{Enrollment: models.Enrollment{ID: "enr-2", StudentID: "student-2", CourseID: "course-1", CreatedAt: time.Now().UTC()}, CourseCode: "MATH101"},
	}}
}

func TestEnrollmentServiceListAdminSeesAll(t *testing.T) {
	repo := enrollmentFixture()
	students := newStudentReaderStub(
		&models.Student{ID: "student-1", UserID: strPtr("user-1"), Active: true},
	)
	svc := NewEnrollmentService(repo, students, nil)

	items, pagination, err := svc.List(context.Background(), models.EnrollmentFilter{}, adminClaims())
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, 2, pagination.TotalCount)
}

func TestEnrollmentServiceListStudentScoped(t *testing.T) {
	repo := enrollmentFixture()
	students := newStudentReaderStub(
		&models.Student{ID: "student-1", UserID: strPtr("user-1"), Active: true},
	)
	svc := NewEnrollmentService(repo, students, nil)

	items, _, err := svc.List(context.Background(), models.EnrollmentFilter{StudentID: "student-2"}, studentClaims("user-1"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "student-1", items[0].StudentID)
	assert.Equal(t, "student-1", repo.filter.StudentID)
}

func TestEnrollmentServiceListUnlinkedStudentForbidden(t *testing.T) {
	repo := enrollmentFixture()
	students := newStudentReaderStub()
	svc := NewEnrollmentService(repo, students, nil)

	_, _, err := svc.List(context.Background(), models.EnrollmentFilter{}, studentClaims("user-9"))
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrForbidden.Code))
}
