package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// HealthPaths are tried in order by Probe.
var HealthPaths = []string{"/", "/health", "/status"}

// Probe checks that the backend answers HTTP. Any status below 500 on any
// health path counts as up.
func (s *Supervisor) Probe(ctx context.Context) error {
	base := s.BaseURL()
	if base == "" {
		return errors.New("backend not started")
	}
	client := s.opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: s.opts.HealthTimeout}
	}
	var errs []error
	for _, p := range HealthPaths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+p, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode < http.StatusInternalServerError {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: status %d", p, resp.StatusCode))
	}
	return fmt.Errorf("backend health check failed: %w", errors.Join(errs...))
}
