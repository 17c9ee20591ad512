package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"authflow/internal/domain"
	"authflow/internal/infra/tracer"
)

const defaultAPIVersion = "2023-06-01"

// Default breaker settings.
const (
	defaultCBMaxFailures uint32 = 5
	defaultCBTimeout            = 30 * time.Second
	defaultCBInterval           = 60 * time.Second
)

// BreakerConfig configures the circuit breaker around the vision API.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// Config configures the vision proposer.
type Config struct {
	Model   string
	APIKey  string
	BaseURL string
	// MaxTokens caps the reply length; the reply is one small JSON object.
	MaxTokens int
	// RequestsPerMinute throttles outbound calls; zero disables throttling.
	RequestsPerMinute float64
	RateBurst         int
	ConnTimeout       time.Duration
	RespTimeout       time.Duration
	Breaker           BreakerConfig
	Memory            MemoryConfig
}

// Proposer implements domain.ActionProposer against the Anthropic Messages
// API. Repeated API failures open a circuit breaker so a dead upstream fails
// fast instead of stalling every phase on timeouts.
type Proposer struct {
	mu      sync.Mutex
	model   string
	apiKey  string
	baseURL string
	max     int
	client  httpDoer
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
	mem     *memory
	version string
	logger  *slog.Logger
}

// httpDoer is the request surface the proposer depends on; tests substitute
// a recording fake.
type httpDoer interface {
	do(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error)
}

type clientDoer struct{ client *http.Client }

func (c clientDoer) do(ctx context.Context, url string, body []byte, headers map[string]string) ([]byte, error) {
	return doJSONRequest(ctx, c.client, url, body, headers)
}

// NewProposer creates a proposer for the Anthropic Messages API.
func NewProposer(cfg Config, logger *slog.Logger) *Proposer {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), burst)
	}

	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cbTimeout := cfg.Breaker.Timeout
	if cbTimeout == 0 {
		cbTimeout = defaultCBTimeout
	}
	cbInterval := cfg.Breaker.Interval
	if cbInterval == 0 {
		cbInterval = defaultCBInterval
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "vision:" + cfg.Model,
		MaxRequests: 1, // one probe in half-open state
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Proposer{
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		max:     cfg.MaxTokens,
		client:  clientDoer{newHTTPClient(cfg.ConnTimeout, cfg.RespTimeout)},
		limiter: limiter,
		breaker: breaker,
		mem:     newMemory(cfg.Memory),
		version: defaultAPIVersion,
		logger:  logger,
	}
}

// Propose sends the screenshot and goal to the vision model and returns the
// decoded action, or (nil, nil) when the model explicitly waits.
func (p *Proposer) Propose(ctx context.Context, screenshot []byte, goal string, pctx domain.ProposalContext) (domain.Action, error) {
	ctx, span := tracer.StartSpan(ctx, "vision.propose",
		trace.WithAttributes(
			tracer.StringAttr("vision.model", p.model),
			tracer.StringAttr("flow.phase", string(pctx.Phase)),
		),
	)
	defer span.End()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("propose", err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.mem.add(userTurn(screenshot, goal, pctx))

	reply, err := p.breaker.Execute(func() (string, error) {
		return p.call(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = fmt.Errorf("vision circuit open: %w", err)
		}
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("propose", err)
	}

	p.mem.add(message{Role: "assistant", Content: []contentBlock{{Type: "text", Text: reply}}})

	action, err := parseAction(reply)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)
	if action == nil {
		p.logger.Debug("proposer waiting", "phase", pctx.Phase)
		return nil, nil
	}
	p.logger.Debug("action proposed", "phase", pctx.Phase, "action", action.Kind())
	return action, nil
}

// ReportOutcome records the executed action's ground-truth result so the next
// proposal sees what actually happened, not what the model assumed.
func (p *Proposer) ReportOutcome(result domain.ExecutionResult, currentURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := "succeeded"
	if !result.Success {
		status = "failed: " + result.Error
	}
	p.mem.add(message{Role: "user", Content: []contentBlock{{
		Type: "text",
		Text: fmt.Sprintf("Previous action %s %s. The page URL is now: %s", result.ActionName, status, currentURL),
	}}})
}

// ResetMemory clears the conversation window between independent attempts.
func (p *Proposer) ResetMemory() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem.reset()
}

// call performs one Messages API round trip and returns the reply text.
// Caller holds mu.
func (p *Proposer) call(ctx context.Context) (string, error) {
	req := apiRequest{
		Model:     p.model,
		MaxTokens: p.max,
		System:    systemPrompt,
		Messages:  p.mem.messages(),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}
	respBody, err := p.client.do(ctx, p.baseURL+"/v1/messages", body, headers)
	if err != nil {
		return "", err
	}

	var resp apiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	p.logger.Debug("vision call completed",
		"model", p.model,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)

	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("empty response content")
}

// userTurn builds the user message for one proposal: non-visual context as
// text plus the screenshot as an image block.
func userTurn(screenshot []byte, goal string, pctx domain.ProposalContext) message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Current step: %s\n", pctx.Phase)
	fmt.Fprintf(&sb, "Current URL: %s\n", pctx.URL)
	if pctx.Credentials.Username != "" {
		fmt.Fprintf(&sb, "Test account email: %s\n", pctx.Credentials.Username)
	}
	if pctx.Credentials.Password != "" {
		fmt.Fprintf(&sb, "Test account password: %s\n", pctx.Credentials.Password)
	}
	fmt.Fprintf(&sb, "\nGoal: %s", goal)

	blocks := []contentBlock{{Type: "text", Text: sb.String()}}
	if len(screenshot) > 0 {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: "image/jpeg",
				Data:      base64.StdEncoding.EncodeToString(screenshot),
			},
		})
	}
	return message{Role: "user", Content: blocks}
}

const systemPrompt = `You control a web browser through single actions to test an OAuth sign-in flow with a disposable test account.

Each turn you receive the current step, the page URL, the goal, and a screenshot. Reply with exactly one JSON object and nothing else:

{"kind": "<action>", "args": {...}, "reasoning": "<one short sentence>"}

Actions:
- {"kind":"click_at","args":{"x":N,"y":N}} - click at a position
- {"kind":"type_at","args":{"x":N,"y":N,"text":"..."}} - click a field, then type into it
- {"kind":"scroll","args":{"delta_x":N,"delta_y":N}} - scroll the page
- {"kind":"navigate","args":{"url":"..."}} - load a URL
- {"kind":"key_combo","args":{"keys":"Enter"}} - press a key
- {"kind":"go_back"} / {"kind":"go_forward"} - history navigation
- {"kind":"hover_at","args":{"x":N,"y":N}} - move the mouse without clicking
- {"kind":"wait"} - the page is still loading or no action is needed

Coordinates are on a 0-1000 grid over the viewport: (0,0) is the top-left corner, (1000,1000) the bottom-right.

Rules:
- One action per turn. Prefer the smallest action that makes progress.
- Use only the provided test credentials. Never invent credentials.
- Never click "Forgot password", "Create account", or advertising links.
- If a cookie or consent banner covers the page, dismiss it first.`

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
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   apiUsage       `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Compile-time interface check.
var _ domain.ActionProposer = (*Proposer)(nil)
