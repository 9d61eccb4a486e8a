package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/darianrosebrook/agent-agency-sub005/internal/task"
)

// doAPICall performs the actual HTTP round trip shared by APICallExecutor,
// split out so it is independently testable with an *httptest.Server.
func doAPICall(ctx context.Context, client *http.Client, taskID string, p *task.APICallPayload) (map[string]any, int, error) {
	var body io.Reader
	if p.Body != nil {
		bodyJSON, err := json.Marshal(p.Body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(bodyJSON)
	}

	method := p.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", taskID)
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, resp.StatusCode, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			result = map[string]any{
				"body":       strings.TrimSpace(string(respBody)),
				"statusCode": resp.StatusCode,
			}
		}
	} else {
		result = map[string]any{"statusCode": resp.StatusCode}
	}
	return result, resp.StatusCode, nil
}
