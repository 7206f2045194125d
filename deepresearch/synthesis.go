package deepresearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	synthesisTimeout     = 60 * time.Second
	synthesisMaxFindings = 8
	synthesisMaxChars    = 4000
	sentencePreviewLen   = 2
)

// synthesize asks an OpenAI-compatible chat endpoint to condense the
// findings into a direct answer. Errors surface to the caller, which falls
// back to the extractive summary.
func (s *Service) synthesize(ctx context.Context, query string, findings []Finding) (string, error) {
	if s.cfg.LLMBaseURL == "" || s.cfg.LLMModel == "" {
		return "", fmt.Errorf("deepresearch: synthesis not configured")
	}

	var b strings.Builder
	for i, f := range findings {
		if i >= synthesisMaxFindings {
			break
		}
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", f.Title, f.URL, clip(f.RelevantContent, synthesisMaxChars))
	}

	payload := map[string]any{
		"model": s.cfg.LLMModel,
		"messages": []map[string]string{
			{"role": "system", "content": "You are a research assistant. Answer the question using only the provided sources. Cite source URLs inline. Be concise and factual."},
			{"role": "user", "content": fmt.Sprintf("Question: %s\n\nSources:\n\n%s", query, b.String())},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("deepresearch: encode synthesis request: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, synthesisTimeout)
	defer cancel()

	url := strings.TrimRight(s.cfg.LLMBaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(sctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("deepresearch: build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.LLMAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.LLMAPIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("deepresearch: synthesis call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("deepresearch: synthesis status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("deepresearch: decode synthesis response: %w", err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("deepresearch: empty synthesis response")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// extractiveSummary is the no-LLM fallback: the leading sentences of the
// densest findings, attributed by URL.
func extractiveSummary(query string, findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Top findings for %q:\n", query)
	for i, f := range findings {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Title, leadingSentences(f.RelevantContent, sentencePreviewLen), f.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func leadingSentences(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	count := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				return text[:i+1]
			}
		}
	}
	return clip(text, 300)
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
