package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/openclaw/planlock/internal/llm"
)

// maxResponseBody bounds how much of an HTTP response becomes observation text.
const maxResponseBody = 4096

// Builtins returns the standard tool set. The summarizer provider may be nil,
// in which case the summarize tool reports an execution failure when invoked.
func Builtins(workspace, searchProvider, searchAPIKey string, summarizer llm.Provider) []Tool {
	return []Tool{
		&echoTool{},
		&searchTool{provider: searchProvider, apiKey: searchAPIKey},
		&summarizeTool{provider: summarizer},
		&fileWriteTool{workspace: workspace},
		&httpPostTool{client: http.DefaultClient},
	}
}

// stringArg extracts a required string argument.
func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidArgs, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidArgs, key)
	}
	return s, nil
}

// --- echo ---

type echoTool struct{}

func (t *echoTool) Name() string { return "echo" }

func (t *echoTool) Description() string {
	return "Return the given message unchanged."
}

func (t *echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to echo back",
			},
		},
		"required": []string{"message"},
	}
}

func (t *echoTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	msg, err := stringArg(args, "message")
	if err != nil {
		return "", err
	}
	return msg, nil
}

// --- search ---

type searchTool struct {
	provider string // brave or tavily
	apiKey   string
}

func (t *searchTool) Name() string { return "search" }

func (t *searchTool) Description() string {
	return "Search the web. Returns titles, URLs, and short snippets."
}

func (t *searchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search query",
			},
			"count": map[string]interface{}{
				"type":        "integer",
				"description": "Number of results (1-10, default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *searchTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}

	count := 5
	if c, ok := args["count"].(float64); ok {
		count = int(c)
		if count < 1 {
			count = 1
		} else if count > 10 {
			count = 10
		}
	}

	if t.apiKey == "" {
		return "", fmt.Errorf("no search API key configured; set BRAVE_API_KEY or TAVILY_API_KEY")
	}

	var results []searchResult
	switch t.provider {
	case "tavily":
		results, err = searchTavily(ctx, query, count, t.apiKey)
	default:
		results, err = searchBrave(ctx, query, count, t.apiKey)
	}
	if err != nil {
		return "", err
	}

	if len(results) == 0 {
		return "no results", nil
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return sb.String(), nil
}

// searchResult is a single web search hit.
type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// searchBrave searches using the Brave Search API.
func searchBrave(ctx context.Context, query string, count int, apiKey string) ([]searchResult, error) {
	url := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		strings.ReplaceAll(query, " ", "+"), count)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Subscription-Token", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("brave search error (%d): %s", resp.StatusCode, string(body))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&braveResp); err != nil {
		return nil, fmt.Errorf("failed to parse brave response: %w", err)
	}

	results := make([]searchResult, 0, len(braveResp.Web.Results))
	for _, r := range braveResp.Web.Results {
		results = append(results, searchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return results, nil
}

// searchTavily searches using the Tavily API.
func searchTavily(ctx context.Context, query string, count int, apiKey string) ([]searchResult, error) {
	reqBody := map[string]interface{}{
		"api_key":     apiKey,
		"query":       query,
		"max_results": count,
	}
	bodyBytes, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST", "https://api.tavily.com/search", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("tavily search error (%d): %s", resp.StatusCode, string(body))
	}

	var tavilyResp struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&tavilyResp); err != nil {
		return nil, fmt.Errorf("failed to parse tavily response: %w", err)
	}

	results := make([]searchResult, 0, len(tavilyResp.Results))
	for _, r := range tavilyResp.Results {
		results = append(results, searchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return results, nil
}

// --- summarize ---

type summarizeTool struct {
	provider llm.Provider
}

func (t *summarizeTool) Name() string { return "summarize" }

func (t *summarizeTool) Description() string {
	return "Summarize the given text. Style may be 'brief' (default) or 'detailed'."
}

func (t *summarizeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Text to summarize",
			},
			"style": map[string]interface{}{
				"type":        "string",
				"description": "Summary style: brief or detailed",
			},
		},
		"required": []string{"text"},
	}
}

func (t *summarizeTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return "", err
	}
	style, _ := args["style"].(string)
	if style == "" {
		style = "brief"
	}

	if t.provider == nil {
		return "", fmt.Errorf("no summarizer model configured")
	}

	resp, err := t.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Summarize the user's text. Style: " + style + ". Output only the summary."},
			{Role: "user", Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// --- file_write ---

type fileWriteTool struct {
	workspace string
}

func (t *fileWriteTool) Name() string { return "file_write" }

func (t *fileWriteTool) Description() string {
	return "Write content to a file at a path relative to the workspace."
}

func (t *fileWriteTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Workspace-relative path to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *fileWriteTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}

	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: path must be workspace-relative", ErrInvalidArgs)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes the workspace", ErrInvalidArgs)
	}

	workspace := t.workspace
	if workspace == "" {
		workspace = "."
	}
	full := filepath.Join(workspace, clean)

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return fmt.Sprintf("wrote %d bytes to %s", len(content), clean), nil
}

// --- http_post ---

type httpPostTool struct {
	client *http.Client
}

func (t *httpPostTool) Name() string { return "http_post" }

func (t *httpPostTool) Description() string {
	return "POST a JSON payload to a URL and return the response status and body."
}

func (t *httpPostTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Destination URL",
			},
			"payload": map[string]interface{}{
				"type":        "string",
				"description": "Body to send; sent as-is if valid JSON, otherwise wrapped as {\"text\": ...}",
			},
		},
		"required": []string{"url", "payload"},
	}
}

func (t *httpPostTool) Invoke(ctx context.Context, args map[string]interface{}) (string, error) {
	url, err := stringArg(args, "url")
	if err != nil {
		return "", err
	}
	payload, err := stringArg(args, "payload")
	if err != nil {
		return "", err
	}

	body := []byte(payload)
	if !json.Valid(body) {
		body, _ = json.Marshal(map[string]string{"text": payload})
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	return fmt.Sprintf("%s\n%s", resp.Status, strings.TrimSpace(string(respBody))), nil
}
