package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSink hands the relationship payload to another scopewatch instance over
// the internal API instead of persisting it in-process.
type HTTPSink struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPSink) PersistRelations(ctx context.Context, payload RelationsPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode relations payload: %w", err)
	}

	url := strings.TrimRight(s.BaseURL, "/") + "/internal/sync/relations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build relations request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("hand off relations: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("relations hand-off rejected: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
