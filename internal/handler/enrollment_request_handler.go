package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campusworks/enroll-api/internal/dto"
	"github.com/campusworks/enroll-api/internal/middleware"
	"github.com/campusworks/enroll-api/internal/models"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
	"github.com/campusworks/enroll-api/pkg/response"
)

type enrollmentRequestService interface {
	Create(ctx context.Context, req dto.CreateEnrollmentRequestRequest, actor *models.JWTClaims) (*models.EnrollmentRequest, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentRequest, error)
	List(ctx context.Context, filter models.EnrollmentRequestFilter, actor *models.JWTClaims) ([]models.EnrollmentRequestDetail, *models.Pagination, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	Approve(ctx context.Context, id, reviewedBy, note string) (*models.EnrollmentRequest, error)
	Reject(ctx context.Context, id, reviewedBy, note string) (*models.EnrollmentRequest, error)
	CountPending(ctx context.Context, courseID string) (int, bool, error)
	BulkProcess(ctx context.Context, req dto.BulkProcessRequest, reviewedBy string) (*dto.BulkResult, error)
}

// RequestExporter renders filtered request lists for download.
type RequestExporter interface {
	ExportRequests(ctx context.Context, filter models.EnrollmentRequestFilter, format string) ([]byte, string, error)
}

// EnrollmentRequestHandler exposes REST endpoints for the request workflow.
type EnrollmentRequestHandler struct {
	service enrollmentRequestService
	exports RequestExporter
}

// NewEnrollmentRequestHandler constructs the handler. The export service is
// optional; without it the export endpoint reports a configuration error.
func NewEnrollmentRequestHandler(service enrollmentRequestService, exports RequestExporter) *EnrollmentRequestHandler {
	return &EnrollmentRequestHandler{service: service, exports: exports}
}

// Create godoc
// @Summary Submit an enrollment request
// @Tags Enrollment Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateEnrollmentRequestRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollment-requests [post]
func (h *EnrollmentRequestHandler) Create(c *gin.Context) {
	var req dto.CreateEnrollmentRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid enrollment request payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Create(c.Request.Context(), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, request, nil)
}

// List godoc
// @Summary List enrollment requests
// @Tags Enrollment Requests
// @Produce json
// @Param status query string false "Status filter (PENDING, APPROVED, REJECTED)"
// @Param student_id query string false "Student filter"
// @Param course_id query string false "Course filter"
// @Param page query int false "Page number"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /enrollment-requests [get]
func (h *EnrollmentRequestHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	filter := parseRequestFilter(c)
	requests, pagination, err := h.service.List(c.Request.Context(), filter, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, pagination)
}

// Get godoc
// @Summary Get enrollment request detail
// @Tags Enrollment Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /enrollment-requests/{id} [get]
func (h *EnrollmentRequestHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Delete godoc
// @Summary Withdraw a pending enrollment request
// @Tags Enrollment Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 204 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollment-requests/{id} [delete]
func (h *EnrollmentRequestHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Approve godoc
// @Summary Approve a pending enrollment request
// @Tags Enrollment Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.ReviewEnrollmentRequestRequest false "Review payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollment-requests/{id}/approve [put]
func (h *EnrollmentRequestHandler) Approve(c *gin.Context) {
	h.review(c, h.service.Approve)
}

// Reject godoc
// @Summary Reject a pending enrollment request
// @Tags Enrollment Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.ReviewEnrollmentRequestRequest false "Review payload"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollment-requests/{id}/reject [put]
func (h *EnrollmentRequestHandler) Reject(c *gin.Context) {
	h.review(c, h.service.Reject)
}

func (h *EnrollmentRequestHandler) review(c *gin.Context, fn func(ctx context.Context, id, reviewedBy, note string) (*models.EnrollmentRequest, error)) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ReviewEnrollmentRequestRequest
	// Body is optional; an empty body means no admin note.
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid review payload"))
			return
		}
	}
	request, err := fn(c.Request.Context(), c.Param("id"), claims.UserID, req.AdminNote)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// BulkProcess godoc
// @Summary Apply one decision to many enrollment requests
// @Tags Enrollment Requests
// @Accept json
// @Produce json
// @Param payload body dto.BulkProcessRequest true "Batch payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /enrollment-requests/bulk [post]
func (h *EnrollmentRequestHandler) BulkProcess(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.BulkProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid bulk payload"))
		return
	}
	result, err := h.service.BulkProcess(c.Request.Context(), req, claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// PendingCount godoc
// @Summary Count pending enrollment requests
// @Tags Enrollment Requests
// @Produce json
// @Param course_id query string false "Course filter"
// @Success 200 {object} response.Envelope
// @Router /enrollment-requests/pending-count [get]
func (h *EnrollmentRequestHandler) PendingCount(c *gin.Context) {
	count, fromCache, err := h.service.CountPending(c.Request.Context(), strings.TrimSpace(c.Query("course_id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, fromCache)
	response.JSON(c, http.StatusOK, gin.H{"pending": count}, nil, middleware.ExtractMeta(c))
}

// Export godoc
// @Summary Export enrollment requests
// @Tags Enrollment Requests
// @Produce text/csv
// @Produce application/pdf
// @Param format query string false "csv or pdf" default(csv)
// @Param status query string false "Status filter"
// @Param course_id query string false "Course filter"
// @Success 200 {file} file
// @Router /enrollment-requests/export [get]
func (h *EnrollmentRequestHandler) Export(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "export service not configured"))
		return
	}
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv")))
	filter := parseRequestFilter(c)
	payload, contentType, err := h.exports.ExportRequests(c.Request.Context(), filter, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	filename := fmt.Sprintf("enrollment-requests-%s.%s", time.Now().Format("20060102-150405"), format)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, payload)
}

func parseRequestFilter(c *gin.Context) models.EnrollmentRequestFilter {
	filter := models.EnrollmentRequestFilter{
		StudentID: strings.TrimSpace(c.Query("student_id")),
		CourseID:  strings.TrimSpace(c.Query("course_id")),
	}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		filter.Status = models.RequestStatus(strings.ToUpper(raw))
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("page_size", "20")); err == nil {
		filter.PageSize = size
	}
	return filter
}
