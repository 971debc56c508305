package dto

// CreateEnrollmentRequestRequest is the payload for opening a request.
type CreateEnrollmentRequestRequest struct {
	CourseID string `json:"course_id" validate:"required"`
	// StudentID is taken from the caller identity for student callers;
	// admins may submit on behalf of a student.
	StudentID string `json:"student_id,omitempty"`
}

// ReviewEnrollmentRequestRequest carries the admin note for a single
// approve or reject call.
type ReviewEnrollmentRequestRequest struct {
	AdminNote string `json:"admin_note,omitempty"`
}

// Bulk actions accepted by the batch endpoint.
const (
	BulkActionApprove = "approve"
	BulkActionReject  = "reject"
)

// BulkProcessRequest applies one admin decision to many requests.
type BulkProcessRequest struct {
	RequestIDs []string `json:"request_ids"`
	Action     string   `json:"action"`
	AdminNote  string   `json:"admin_note,omitempty"`
}

// BulkItemFailure reports one failed item of a batch.
type BulkItemFailure struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// BulkResult aggregates per-item outcomes of a batch. SuccessCount plus
// FailureCount always equals TotalProcessed; every submitted id appears in
// exactly one of Successful or Failed.
type BulkResult struct {
	Successful     []string          `json:"successful"`
	Failed         []BulkItemFailure `json:"failed"`
	TotalProcessed int               `json:"total_processed"`
	SuccessCount   int               `json:"success_count"`
	FailureCount   int               `json:"failure_count"`
}
