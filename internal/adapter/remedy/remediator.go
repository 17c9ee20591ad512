// Package remedy diagnoses flow blockers with an LLM and applies proposed
// configuration fixes to the application under test.
package remedy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"authflow/internal/domain"
	"authflow/internal/infra/tracer"
)

const (
	defaultAPIVersion = "2023-06-01"
	defaultBaseURL    = "https://api.anthropic.com"
	defaultMaxTokens  = 2048
	maxResponseBody   = 10 * 1024 * 1024
)

// Config configures the remediator.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string
	// WorkspaceDir is the only directory fixes may touch. Paths escaping it
	// are rejected per change.
	WorkspaceDir string
	MaxTokens    int
	Timeout      time.Duration
}

// Remediator implements domain.Remediator: an LLM analyzes the failure
// evidence, proposes concrete file changes, and ApplyFix writes them inside
// the configured workspace.
type Remediator struct {
	model     string
	apiKey    string
	baseURL   string
	workspace string
	max       int
	client    httpDoer
	version   string
	logger    *slog.Logger
}

type httpDoer interface {
	do(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error)
}

type clientDoer struct{ client *http.Client }

func (c clientDoer) do(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// New creates a remediator.
func New(cfg Config, logger *slog.Logger) *Remediator {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	return &Remediator{
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		workspace: cfg.WorkspaceDir,
		max:       cfg.MaxTokens,
		client:    clientDoer{&http.Client{Timeout: cfg.Timeout}},
		version:   defaultAPIVersion,
		logger:    logger,
	}
}

const diagnoseSystem = `You are debugging a failed OAuth sign-in flow in a web application under test.
You receive the error description, the page URL, and a screenshot of the failure.
Reply with exactly one JSON object and nothing else:
{"root_cause": "<one sentence>", "confidence": <0.0-1.0>, "evidence": ["..."], "fix_suggestions": ["..."]}
Typical root causes: missing or wrong redirect URI, missing OAuth client credentials, account linking disabled, callback handler misconfigured, provider consent screen not set up.`

// Diagnose asks the model for a root-cause analysis of the failure evidence.
func (r *Remediator) Diagnose(ctx context.Context, rc domain.RemediationContext) (*domain.Diagnostic, error) {
	ctx, span := tracer.StartSpan(ctx, "remedy.diagnose")
	defer span.End()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\nPage URL: %s\n", rc.ErrorInfo, rc.PageURL)
	if len(rc.NetworkLogs) > 0 {
		fmt.Fprintf(&sb, "Network log tail:\n%s\n", strings.Join(rc.NetworkLogs, "\n"))
	}

	blocks := []contentBlock{{Type: "text", Text: sb.String()}}
	if len(rc.Screenshot) > 0 {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: "image/jpeg",
				Data:      base64.StdEncoding.EncodeToString(rc.Screenshot),
			},
		})
	}

	reply, err := r.call(ctx, diagnoseSystem, blocks)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("diagnose", err)
	}

	var diag domain.Diagnostic
	if err := json.Unmarshal([]byte(extractJSON(reply)), &diag); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("diagnose", fmt.Errorf("parse diagnostic: %w", err))
	}
	if diag.RootCause == "" {
		return nil, domain.WrapOp("diagnose", fmt.Errorf("empty root cause"))
	}

	tracer.SetOK(span)
	r.logger.Info("diagnosis", "root_cause", diag.RootCause, "confidence", diag.Confidence)
	return &diag, nil
}

const proposeSystem = `You previously diagnosed a failed OAuth sign-in flow. Propose a concrete fix as file changes in the application under test.
Reply with exactly one JSON object and nothing else:
{"changes": [{"path": "<relative path>", "content": "<full new file content>", "description": "..."}], "risk": "low|medium|high", "requires_approval": <bool>, "summary": "<one sentence>"}
Paths must be relative to the application root. Set requires_approval to true for anything touching secrets, production configuration, or more than two files. If no file change can fix it, return an empty changes array with a summary explaining why.`

// ProposeFix turns a diagnostic into a concrete change set.
func (r *Remediator) ProposeFix(ctx context.Context, d *domain.Diagnostic) (*domain.FixPlan, error) {
	ctx, span := tracer.StartSpan(ctx, "remedy.propose_fix")
	defer span.End()

	prompt := fmt.Sprintf("Root cause: %s\nConfidence: %.2f\nEvidence: %s\nSuggestions: %s",
		d.RootCause, d.Confidence,
		strings.Join(d.Evidence, "; "),
		strings.Join(d.FixSuggestions, "; "))

	reply, err := r.call(ctx, proposeSystem, []contentBlock{{Type: "text", Text: prompt}})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("propose fix", err)
	}

	var plan domain.FixPlan
	if err := json.Unmarshal([]byte(extractJSON(reply)), &plan); err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("propose fix", fmt.Errorf("parse plan: %w", err))
	}

	tracer.SetOK(span)
	r.logger.Info("fix proposed",
		"changes", len(plan.Changes), "risk", plan.Risk,
		"requires_approval", plan.RequiresApproval, "summary", plan.Summary)
	return &plan, nil
}

// ApplyFix writes the plan's changes inside the workspace. Without approval
// nothing is touched and ErrFixRejected is returned so the caller can
// surface the plan instead.
func (r *Remediator) ApplyFix(ctx context.Context, plan *domain.FixPlan, approved bool) (*domain.FixOutcome, error) {
	_, span := tracer.StartSpan(ctx, "remedy.apply_fix")
	defer span.End()

	if !approved {
		err := domain.NewDomainError("apply fix", domain.ErrFixRejected, plan.Summary)
		tracer.RecordError(span, err)
		return nil, err
	}
	if r.workspace == "" {
		return nil, domain.WrapOp("apply fix", fmt.Errorf("no workspace directory configured"))
	}

	outcome := &domain.FixOutcome{}
	for _, change := range plan.Changes {
		if err := r.writeChange(change); err != nil {
			r.logger.Warn("fix change failed", "path", change.Path, "error", err)
			outcome.Failed = append(outcome.Failed, change.Path)
			continue
		}
		r.logger.Info("fix change applied", "path", change.Path, "description", change.Description)
		outcome.Applied = append(outcome.Applied, change.Path)
	}

	tracer.SetOK(span)
	return outcome, nil
}

// writeChange writes one file, refusing paths that leave the workspace.
func (r *Remediator) writeChange(change domain.FixChange) error {
	if change.Path == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(change.Path) || !filepath.IsLocal(change.Path) {
		return fmt.Errorf("path %q escapes the workspace", change.Path)
	}

	dst := filepath.Join(r.workspace, change.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(dst, []byte(change.Content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// call performs one Messages API round trip and returns the reply text.
func (r *Remediator) call(ctx context.Context, system string, blocks []contentBlock) (string, error) {
	req := apiRequest{
		Model:     r.model,
		MaxTokens: r.max,
		System:    system,
		Messages:  []message{{Role: "user", Content: blocks}},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         r.apiKey,
		"anthropic-version": r.version,
	}
	respBody, err := r.client.do(ctx, r.baseURL+"/v1/messages", body, headers)
	if err != nil {
		return "", err
	}

	var resp apiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response content")
}

// extractJSON trims fences and prose down to the outermost JSON object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// --- Messages API wire types ---

type apiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type apiResponse struct {
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Compile-time interface check.
var _ domain.Remediator = (*Remediator)(nil)
