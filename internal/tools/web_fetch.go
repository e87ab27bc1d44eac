package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxFetchBytes = 256 * 1024

// WebFetchTool fetches a URL and returns the body as text.
type WebFetchTool struct {
	client *http.Client
}

func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *WebFetchTool) Name() string           { return "web_fetch" }
func (t *WebFetchTool) Description() string    { return "Fetch a URL over HTTP(S) and return the response body" }
func (t *WebFetchTool) Class() PermissionClass { return ClassSafe }
func (t *WebFetchTool) Effects() SideEffects   { return EffectsNetwork }

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to fetch (http or https)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	url, _ := args["url"].(string)
	if url == "" {
		return ErrorResult("url is required")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrorResult("only http and https URLs are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrorResult("invalid request: %v", err)
	}
	req.Header.Set("User-Agent", "hearth/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return ErrorResult("read body: %v", err)
	}
	truncated := false
	if len(body) > maxFetchBytes {
		body = body[:maxFetchBytes]
		truncated = true
	}

	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(body))
	if truncated {
		out += "\n[truncated]"
	}
	if resp.StatusCode >= 400 {
		return ErrorResult("%s", out)
	}
	return SilentResult(out)
}
