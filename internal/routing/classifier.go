package routing

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/jordanhubbard/tokenhub/internal/router"
)

// defaultClassifierTimeout matches §4.3's default hard deadline.
const defaultClassifierTimeout = 3 * time.Second

// lowConfidenceThreshold: below this the advisory result is discarded in
// favor of the heuristic fallback, per §4.3.
const lowConfidenceThreshold = 0.6

// ClassifierObservation is the one observability event the Classifier
// emits per call, per §4.3.
type ClassifierObservation string

const (
	ClassifierObsSuccess      ClassifierObservation = "success"
	ClassifierObsTimeout      ClassifierObservation = "timeout"
	ClassifierObsLowConfidence ClassifierObservation = "low_confidence"
	ClassifierObsSchemaError  ClassifierObservation = "schema_error"
)

// Classifier issues a single advisory call to a fast LLM and falls back to
// a deterministic heuristic table on timeout, malformed response, or low
// confidence. The classifier call must never be allowed to stall or error
// the request (§9): the task runs with a hard deadline, and on deadline
// elapsed the heuristic table is used instead. No mutable state is shared
// between the advisory call and the caller beyond the returned value.
type Classifier struct {
	// Sender performs the outbound call to the fast classifier model.
	// Nil disables the advisory path entirely (heuristic-only mode).
	Sender  router.Sender
	ModelID string
	Timeout time.Duration
	OnObserve func(ClassifierObservation)
}

// NewClassifier builds a Classifier. A zero Timeout defaults to 3s.
func NewClassifier(sender router.Sender, modelID string, timeout time.Duration) *Classifier {
	if timeout <= 0 {
		timeout = defaultClassifierTimeout
	}
	return &Classifier{Sender: sender, ModelID: modelID, Timeout: timeout}
}

// classifierSchema is the structured JSON response the advisory prompt
// requires.
type classifierSchema struct {
	TaskType             string   `json:"task_type"`
	Complexity           string   `json:"complexity"`
	RequiredCapabilities []string `json:"required_capabilities"`
	Confidence           float64  `json:"confidence"`
	Department           string   `json:"department"`
	Rationale            string   `json:"rationale"`
}

const classifierSystemPromptV1 = `You are a routing classifier (schema v1). Given the conversation, respond ` +
	`with ONLY a JSON object: {"task_type": string, "complexity": "simple"|"medium"|"complex", ` +
	`"required_capabilities": [string], "confidence": number 0..1, "department": string, "rationale": string}. ` +
	`task_type must be one of: code_generation, code_review, debugging, architecture_design, question_answer, ` +
	`math_reasoning, test_generation, summarization, translation, creative_writing, general.`

// Classify runs the advisory call (if configured) and falls through to the
// heuristic table on any disqualifying condition.
func (c *Classifier) Classify(ctx context.Context, messages []router.Message, pa PreAnalysis) Classification {
	if c == nil || c.Sender == nil {
		return c.heuristic(pa, "")
	}

	cctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	req := router.Request{
		Messages: append([]router.Message{{Role: "system", Content: classifierSystemPromptV1}}, messages...),
	}

	resp, err := c.Sender.Send(cctx, c.ModelID, req)
	if err != nil {
		c.observe(ClassifierObsTimeout)
		slog.Warn("classifier call failed, using heuristic fallback", slog.String("error", err.Error()))
		return c.heuristic(pa, "")
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp, &parsed); err != nil || len(parsed.Choices) == 0 {
		c.observe(ClassifierObsSchemaError)
		return c.heuristic(pa, "")
	}

	var schema classifierSchema
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &schema); err != nil {
		c.observe(ClassifierObsSchemaError)
		return c.heuristic(pa, "")
	}

	if schema.Confidence < lowConfidenceThreshold {
		c.observe(ClassifierObsLowConfidence)
		return c.heuristic(pa, schema.Department)
	}

	c.observe(ClassifierObsSuccess)
	return Classification{
		TaskType:             schema.TaskType,
		Complexity:           schema.Complexity,
		RequiredCapabilities: schema.RequiredCapabilities,
		Confidence:           schema.Confidence,
		Source:               ClassifierAdvisoryLLM,
		Department:           schema.Department,
		Rationale:            schema.Rationale,
	}
}

func (c *Classifier) observe(o ClassifierObservation) {
	if c.OnObserve != nil {
		c.OnObserve(o)
	}
}

// heuristic implements §4.3's fallback mapping table. department carries
// through from a partially-parsed advisory response when available.
func (c *Classifier) heuristic(pa PreAnalysis, department string) Classification {
	hasCode := len(pa.CodeBlockLangs) > 0
	has := func(tag string) bool {
		for _, t := range pa.KeywordTags {
			if t == tag {
				return true
			}
		}
		return false
	}
	long := pa.EstimatedInputTokens > 2000

	// Ordered to match §4.3's heuristic mapping table: the code-keyword rows
	// (short, long, review+code) are checked before debug/architecture/
	// test/math, so a fenced code block paired with an unrelated keyword
	// (e.g. "debug") still classifies as code_generation/code_review rather
	// than being shadowed by a later, more generic row.
	var taskType, complexity string
	switch {
	case hasCode && long:
		taskType, complexity = "code_generation", "complex"
	case hasCode && has("review"):
		taskType, complexity = "code_review", "medium"
	case hasCode:
		taskType, complexity = "code_generation", "simple"
	case has("debug") || has("error"):
		taskType, complexity = "debugging", "medium"
	case has("architecture") || has("design") || has("tradeoff"):
		taskType, complexity = "architecture_design", "complex"
	case has("test"):
		taskType, complexity = "test_generation", "simple"
	case has("math") || has("algorithm"):
		taskType, complexity = "math_reasoning", "complex"
	default:
		taskType, complexity = "general", "medium"
	}

	var caps []string
	if long {
		caps = append(caps, "long_context")
	}
	if complexity == "complex" {
		caps = append(caps, "deep_reasoning")
	}

	return Classification{
		TaskType:             taskType,
		Complexity:           complexity,
		RequiredCapabilities: caps,
		Confidence:           0.5,
		Source:               ClassifierHeuristicFallback,
		Department:           department,
		Rationale:            "heuristic fallback: " + taskType,
	}
}
