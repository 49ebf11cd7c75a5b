package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/workflow"
)

type (
	// HTTPRequest is the evaluated input of an Http action.
	HTTPRequest struct {
		URL     string
		Method  string
		Headers map[string]string
		Body    any
		// Timeout bounds this request only. Zero uses the client default.
		Timeout time.Duration
	}

	// HTTPResponse is the Http action output.
	HTTPResponse struct {
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		// Body is JSON-decoded when the payload parses, the raw string
		// otherwise.
		Body any `json:"body"`
	}

	// HTTPClient implements HTTPDoer on net/http.
	HTTPClient struct {
		client *http.Client
	}
)

var _ HTTPDoer = (*HTTPClient)(nil)

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPClient returns an HTTPClient with the given default timeout. A
// non-positive timeout selects 30s.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPClient{client: &http.Client{Timeout: timeout}}
}

// Do implements HTTPDoer.
func (c *HTTPClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	if req.URL == "" {
		return nil, errors.New("Http action requires inputs.url")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		switch t := req.Body.(type) {
		case string:
			body = strings.NewReader(t)
		default:
			raw, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("encode request body: %w", err)
			}
			body = bytes.NewReader(raw)
		}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	var decoded any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) == nil {
		return &HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: decoded}, nil
	}
	return &HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: string(raw)}, nil
}

// runHTTP evaluates the Http action inputs and issues the request.
func (e *Executor) runHTTP(ctx context.Context, a *workflow.Action, sc *scope) *ActionResult {
	in, err := evaluateMap(ctx, a.Inputs, sc)
	if err != nil {
		return failure(err)
	}
	req := HTTPRequest{}
	req.URL, _ = in["url"].(string)
	req.Method, _ = in["method"].(string)
	if hs, ok := in["headers"].(map[string]any); ok {
		req.Headers = make(map[string]string, len(hs))
		for k, v := range hs {
			if s, ok := v.(string); ok {
				req.Headers[k] = s
			}
		}
	}
	req.Body = in["body"]
	if t, ok := in["timeout"].(string); ok && t != "" {
		d, derr := parseISODuration(t)
		if derr != nil {
			return failure(derr)
		}
		req.Timeout = d
	}
	resp, err := e.http.Do(ctx, req)
	if err != nil {
		return failure(err)
	}
	return &ActionResult{
		Status: workflow.StatusSucceeded,
		Output: map[string]any{
			"status":  resp.Status,
			"headers": resp.Headers,
			"body":    resp.Body,
		},
	}
}
