package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campusworks/enroll-api/internal/models"
	"github.com/campusworks/enroll-api/pkg/export"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
)

// Export formats supported by the admin export endpoint.
const (
	ExportFormatCSV = "csv"
	ExportFormatPDF = "pdf"
)

type exportRequestLister interface {
	List(ctx context.Context, filter models.EnrollmentRequestFilter) ([]models.EnrollmentRequestDetail, int, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportService renders filtered enrollment request lists for download.
type ExportService struct {
	requests exportRequestLister
	csv      csvRenderer
	pdf      pdfRenderer
	logger   *zap.Logger
}

// NewExportService constructs an ExportService.
func NewExportService(requests exportRequestLister, csv csvRenderer, pdf pdfRenderer, logger *zap.Logger) *ExportService {
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{requests: requests, csv: csv, pdf: pdf, logger: logger}
}

// ExportRequests renders matching requests in the given format and returns
// the payload with its content type.
func (s *ExportService) ExportRequests(ctx context.Context, filter models.EnrollmentRequestFilter, format string) ([]byte, string, error) {
	// Exports are not paginated; cap at the repository maximum per page.
	filter.Page = 1
	filter.PageSize = 100

	requests, _, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load requests for export")
	}

	dataset := buildRequestDataset(requests)
	switch format {
	case ExportFormatCSV:
		payload, err := s.csv.Render(dataset)
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv export")
		}
		return payload, "text/csv", nil
	case ExportFormatPDF:
		payload, err := s.pdf.Render(dataset, "Enrollment Requests")
		if err != nil {
			return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf export")
		}
		return payload, "application/pdf", nil
	default:
		return nil, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported export format: %s", format))
	}
}

func buildRequestDataset(requests []models.EnrollmentRequestDetail) export.Dataset {
	headers := []string{"Request ID", "Student", "Course", "Status", "Reviewed By", "Reviewed At", "Created At"}
	rows := make([]map[string]string, 0, len(requests))
	for _, request := range requests {
		row := map[string]string{
			"Request ID": request.ID,
			"Student":    request.StudentName,
			"Course":     fmt.Sprintf("%s %s", request.CourseCode, request.CourseTitle),
			"Status":     string(request.Status),
			"Created At": request.CreatedAt.Format(time.RFC3339),
		}
		if request.ReviewedBy != nil {
			row["Reviewed By"] = *request.ReviewedBy
		}
		if request.ReviewedAt != nil {
			row["Reviewed At"] = request.ReviewedAt.Format(time.RFC3339)
		}
		rows = append(rows, row)
	}
	return export.Dataset{Headers: headers, Rows: rows}
}
