package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/assessment-engine/assessment"
	"github.com/warp/assessment-engine/generic"
)

// =============================================================================
// REMOTE REGISTRY ADAPTER
// =============================================================================
//
// Wire contract of a remote registry service:
//
//	GET {base}/violations?from=YYYY-MM-DD&to=YYYY-MM-DD
//	  -> {"violations": [violationJSON, ...]}
//	GET {base}/violations/details?ids=1,2,3
//	  -> {"details": {"1": {"order_number": ..., "customer": ..., ...}}}
//
// Amounts may be JSON strings or numbers.

type violationJSON struct {
	ID                string          `json:"id"`
	Date              generic.Date    `json:"date"`
	Department        string          `json:"department"`
	ResponsiblePerson string          `json:"responsible_person"`
	ResponsibleAmount decimal.Decimal `json:"responsible_amount"`
	SecondaryPerson   string          `json:"secondary_person"`
	SecondaryAmount   decimal.Decimal `json:"secondary_amount"`
	ManagerPerson     string          `json:"manager_person"`
	ManagerAmount     decimal.Decimal `json:"manager_amount"`
}

type violationsResponse struct {
	Violations []violationJSON `json:"violations"`
}

type detailsResponse struct {
	Details map[string]assessment.ViolationDetail `json:"details"`
}

// HTTPOptions tunes the remote client.
type HTTPOptions struct {
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// HTTPReader reads a registry served by a remote service.
type HTTPReader struct {
	registry assessment.Registry
	client   *resty.Client
	logger   *zap.Logger
}

var _ assessment.SourceReader = (*HTTPReader)(nil)

func NewHTTPReader(registry assessment.Registry, baseURL string, opts HTTPOptions, logger *zap.Logger) *HTTPReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = assessment.DefaultRegistryTimeout
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &HTTPReader{
		registry: registry,
		client:   client,
		logger:   logger.With(zap.String("registry", string(registry)), zap.String("base_url", baseURL)),
	}
}

func (r *HTTPReader) Registry() assessment.Registry { return r.registry }

func (r *HTTPReader) unavailable(err error) error {
	return &generic.SourceUnavailableError{Registry: string(r.registry), Err: err}
}

func (r *HTTPReader) FetchBillable(ctx context.Context, period generic.Period) ([]assessment.SourceViolation, error) {
	var payload violationsResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"from": period.Start.String(),
			"to":   period.End.String(),
		}).
		SetResult(&payload).
		Get("/violations")
	if err != nil {
		r.logger.Warn("registry call failed", zap.Error(err))
		return nil, r.unavailable(err)
	}
	if resp.IsError() {
		return nil, r.unavailable(fmt.Errorf("GET /violations: status %d", resp.StatusCode()))
	}

	out := make([]assessment.SourceViolation, 0, len(payload.Violations))
	for _, w := range payload.Violations {
		if w.ID == "" || w.Date.IsZero() {
			return nil, r.unavailable(fmt.Errorf("malformed violation %q: id and date are required", w.ID))
		}
		v := assessment.SourceViolation{
			Registry:          r.registry,
			LocalID:           w.ID,
			ViolationDate:     w.Date,
			DepartmentHint:    w.Department,
			ResponsiblePerson: w.ResponsiblePerson,
			ResponsibleAmount: w.ResponsibleAmount,
			SecondaryPerson:   w.SecondaryPerson,
			SecondaryAmount:   w.SecondaryAmount,
			ManagerPerson:     w.ManagerPerson,
			ManagerAmount:     w.ManagerAmount,
		}
		// Remote services are not trusted to apply the billable predicate.
		if !v.Billable() || !period.Contains(v.ViolationDate) {
			continue
		}
		out = append(out, v)
	}

	r.logger.Debug("fetched violations", zap.Stringer("period", period), zap.Int("count", len(out)))
	return out, nil
}

func (r *HTTPReader) Details(ctx context.Context, localIDs []string) (map[string]assessment.ViolationDetail, error) {
	if len(localIDs) == 0 {
		return map[string]assessment.ViolationDetail{}, nil
	}
	var payload detailsResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(localIDs, ",")).
		SetResult(&payload).
		Get("/violations/details")
	if err != nil {
		return nil, r.unavailable(err)
	}
	if resp.IsError() {
		return nil, r.unavailable(fmt.Errorf("GET /violations/details: status %d", resp.StatusCode()))
	}
	if payload.Details == nil {
		payload.Details = map[string]assessment.ViolationDetail{}
	}
	return payload.Details, nil
}
