package clients

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"resty.dev/v3"
)

// Directory answers whether a client reference exists in the client registry.
type Directory interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// Static is a fixed set of known client ids.
type Static map[int64]struct{}

// NewStatic builds a Static directory.
func NewStatic(ids ...int64) Static {
	s := Static{}
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Static) Exists(_ context.Context, id int64) (bool, error) {
	_, ok := s[id]
	return ok, nil
}

// HTTPDirectory resolves clients against the registry's REST API.
type HTTPDirectory struct {
	client *resty.Client
}

// NewHTTPDirectory creates a directory calling GET {baseURL}/clientes/{id}.
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPDirectory{client: client}
}

func (d *HTTPDirectory) Exists(ctx context.Context, id int64) (bool, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Get("/clientes/{id}")
	if err != nil {
		return false, fmt.Errorf("error making request to client registry: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("client registry returned unexpected status: %d", resp.StatusCode())
	}
}

// Close releases the underlying HTTP client.
func (d *HTTPDirectory) Close() error {
	return d.client.Close()
}
