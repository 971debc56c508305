package models

import "time"

// RequestStatus represents the lifecycle state of an enrollment request.
type RequestStatus string

// PENDING is the only non-terminal state; APPROVED and REJECTED are final.
const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is possible.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusApproved || s == RequestStatusRejected
}

// EnrollmentRequest is a student's application to join a course, awaiting
// admin review. reviewed_by/reviewed_at are set exactly when the status
// leaves PENDING.
type EnrollmentRequest struct {
	ID         string        `db:"id" json:"id"`
	StudentID  string        `db:"student_id" json:"student_id"`
	CourseID   string        `db:"course_id" json:"course_id"`
	Status     RequestStatus `db:"status" json:"status"`
	AdminNote  *string       `db:"admin_note" json:"admin_note,omitempty"`
	ReviewedBy *string       `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time    `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// EnrollmentRequestDetail enriches a request with student and course info.
type EnrollmentRequestDetail struct {
	EnrollmentRequest
	StudentName string `db:"student_name" json:"student_name"`
	CourseCode  string `db:"course_code" json:"course_code"`
	CourseTitle string `db:"course_title" json:"course_title"`
}

// EnrollmentRequestFilter provides filters for listing requests.
type EnrollmentRequestFilter struct {
	Status    RequestStatus
	StudentID string
	CourseID  string
	Page      int
	PageSize  int
}
