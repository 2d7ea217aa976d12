package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mschirtzinger/usersync/internal/apperr"
)

// DefaultTimeout bounds a whole fetch when no client is supplied.
const DefaultTimeout = 30 * time.Second

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response status %s", e.Status)
}

// HTTPSource fetches users from GET {BaseURL}/users.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource creates a source with its own client. A zero timeout uses
// DefaultTimeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
	}
}

// FetchAll retrieves the complete user list.
func (s *HTTPSource) FetchAll(ctx context.Context) ([]UserRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/users", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// The connection closed before Content-Length bytes arrived.
		return nil, &apperr.Error{Kind: apperr.KindNetworkUnavailable, Cause: err}
	}
	if err != nil {
		return nil, fmt.Errorf("read users: %w", err)
	}
	return decodeList(data)
}
