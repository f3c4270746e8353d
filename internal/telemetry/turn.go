package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`)
)

// TurnRequest defines telemetry metadata for one agent turn.
type TurnRequest struct {
	Phase        string
	Iteration    int
	Harness      string
	ModelName    string
	Prompt       string
	PromptTokens int
	Resumed      bool
}

// Turn tracks one engine.turn span lifecycle.
type Turn struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu    sync.Mutex
	ended bool
}

// StartTurn starts an engine.turn span carrying redacted prompt metadata.
// The prompt itself never reaches the span, only a hash and a size
// estimate.
func StartTurn(ctx context.Context, req TurnRequest) (context.Context, *Turn) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := req.PromptTokens
	if promptTokens <= 0 {
		promptTokens = EstimateTokenCount(req.Prompt)
	}

	attrs := []attribute.KeyValue{
		attribute.String("phase", normalizeOrUnknown(req.Phase)),
		attribute.Int("iteration", req.Iteration),
		attribute.Bool("resumed", req.Resumed),
		attribute.String("model_name", normalizeOrUnknown(req.ModelName)),
		attribute.String("harness", normalizeOrUnknown(req.Harness)),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}

	spanCtx, span := otel.Tracer("coxswain/telemetry").Start(
		ctx,
		"engine.turn",
		trace.WithAttributes(attrs...),
	)

	return spanCtx, &Turn{
		span:         span,
		startedAt:    time.Now(),
		promptTokens: promptTokens,
	}
}

// End finalizes the engine.turn span with latency and token counts.
// Calling End again is a no-op.
func (t *Turn) End(responseText string, responseTokens *int, err error) {
	if t == nil || t.span == nil {
		return
	}

	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	promptTokens := t.promptTokens
	t.mu.Unlock()

	durationMS := time.Since(t.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	resolvedResponseTokens, includeResponseTokens := resolveResponseTokens(responseText, responseTokens)
	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("total_tokens", promptTokens+resolvedResponseTokens),
	}
	if includeResponseTokens {
		attrs = append(attrs, attribute.Int("response_tokens", resolvedResponseTokens))
	}
	t.span.SetAttributes(attrs...)

	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, RedactSecrets(err.Error()))
	} else {
		t.span.SetStatus(codes.Ok, "turn completed")
	}
	t.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func resolveResponseTokens(responseText string, responseTokens *int) (int, bool) {
	if responseTokens != nil {
		if *responseTokens < 0 {
			return 0, false
		}
		return *responseTokens, true
	}

	estimated := EstimateTokenCount(responseText)
	if estimated <= 0 {
		return 0, false
	}
	return estimated, true
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(RedactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

// RedactSecrets strips credential-shaped substrings and truncates long
// messages before they are attached to telemetry.
func RedactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
