package pollsync

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"clinicdesk/attendance-service/internal/models"
)

type apiError struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPSource reads snapshots from the attendance service API.
type HTTPSource struct {
	client *resty.Client
}

func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTPSource{client: client}
}

func (s *HTTPSource) Fetch(ctx context.Context, clinicID int64, etag string) (models.Snapshot, string, bool, error) {
	var snapshot models.Snapshot
	var failure apiError
	req := s.client.R().
		SetContext(ctx).
		SetPathParam("clinic", strconv.FormatInt(clinicID, 10)).
		SetResult(&snapshot).
		SetError(&failure)
	if etag != "" {
		req.SetHeader("If-None-Match", etag)
	}

	resp, err := req.Get("/api/clinics/{clinic}/snapshot")
	if err != nil {
		return models.Snapshot{}, "", false, fmt.Errorf("fetch snapshot: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return snapshot, resp.Header().Get("ETag"), true, nil
	case http.StatusNotModified:
		return models.Snapshot{}, etag, false, nil
	default:
		if failure.Error.Code != "" {
			return models.Snapshot{}, "", false, fmt.Errorf("fetch snapshot: %s: %s", failure.Error.Code, failure.Error.Message)
		}
		return models.Snapshot{}, "", false, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode())
	}
}
