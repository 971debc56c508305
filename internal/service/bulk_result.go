package service

import (
	"sync"

	"github.com/campusworks/enroll-api/internal/dto"
	appErrors "github.com/campusworks/enroll-api/pkg/errors"
)

// bulkAggregator accumulates per-item outcomes of a batch. Outcomes are
// recorded under the item's input position so concurrent workers cannot
// scramble attribution; Finalize emits the two lists in input order.
type bulkAggregator struct {
	mu       sync.Mutex
	outcomes []bulkOutcome
}

type bulkOutcome struct {
	requestID string
	attempted bool
	err       error
}

func newBulkAggregator(size int) *bulkAggregator {
	return &bulkAggregator{outcomes: make([]bulkOutcome, size)}
}

// RecordSuccess marks the item at idx as transitioned.
func (a *bulkAggregator) RecordSuccess(idx int, requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[idx] = bulkOutcome{requestID: requestID, attempted: true}
}

// RecordFailure marks the item at idx as failed with the given error.
func (a *bulkAggregator) RecordFailure(idx int, requestID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[idx] = bulkOutcome{requestID: requestID, attempted: true, err: err}
}

// Finalize computes the result. Items never attempted (early cancellation)
// are absent from both lists, so SuccessCount+FailureCount always equals
// TotalProcessed.
func (a *bulkAggregator) Finalize() *dto.BulkResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := &dto.BulkResult{
		Successful: []string{},
		Failed:     []dto.BulkItemFailure{},
	}
	for _, outcome := range a.outcomes {
		if !outcome.attempted {
			continue
		}
		if outcome.err != nil {
			result.Failed = append(result.Failed, dto.BulkItemFailure{
				RequestID: outcome.requestID,
				Error:     appErrors.FromError(outcome.err).Message,
			})
			continue
		}
		result.Successful = append(result.Successful, outcome.requestID)
	}
	result.SuccessCount = len(result.Successful)
	result.FailureCount = len(result.Failed)
	result.TotalProcessed = result.SuccessCount + result.FailureCount
	return result
}
