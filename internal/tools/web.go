package tools

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxFetchBytes = 256 * 1024

// WebFetchTool fetches a URL over HTTP.
type WebFetchTool struct {
	client  *http.Client
	timeout time.Duration
}

// NewWebFetchTool creates the fetch tool. A nil client uses a default with
// the given timeout.
func NewWebFetchTool(client *http.Client, timeout time.Duration) *WebFetchTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &WebFetchTool{client: client, timeout: timeout}
}

func (t *WebFetchTool) Definition() Definition {
	return Definition{
		Name:        "web_fetch",
		Description: "Fetch content from a URL. Returns the response body as text, truncated to 256KB.",
		Params: map[string]Param{
			"url":    {Type: "string", Description: "URL to fetch (must start with http:// or https://)"},
			"method": {Type: "string", Description: "HTTP method to use", Enum: []string{"GET", "POST"}},
		},
		Required: []string{"url"},
		Timeout:  t.timeout,
		Category: "network",
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) Result {
	url := strings.TrimSpace(stringArg(args, "url"))
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Fail("url must start with http:// or https://")
	}
	method := strings.ToUpper(stringArg(args, "method"))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Fail("unsupported method %q", method)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return Fail("build request: %v", err)
	}
	req.Header.Set("User-Agent", "conductor/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return Fail("request timed out after %s", t.timeout)
		}
		return Fail("fetch: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return Fail("read body: %v", err)
	}
	text := truncate(string(body), maxFetchBytes)

	if resp.StatusCode >= 400 {
		result := Fail("HTTP %d", resp.StatusCode)
		result.Output = text
		return result
	}
	return Result{
		Success: true,
		Output:  text,
		Meta: map[string]any{
			"status":       resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
		},
	}
}

var (
	_ Tool = (*ShellTool)(nil)
	_ Tool = (*WebFetchTool)(nil)
	_ Tool = FileReadTool{}
	_ Tool = FileWriteTool{}
	_ Tool = FileDeleteTool{}
)
