// Package rules turns fetched data into weighted per-rule votes and
// aggregates them into BUY/SKIP/HOLD/SELL decisions. Rule decision logic
// is free text; interpretation sits behind the Interpreter capability so
// the evaluator never depends on a concrete interpreter.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/anshultibby/finch-sub002/internal/clients/llm"
	"github.com/anshultibby/finch-sub002/internal/domain"
	"github.com/anshultibby/finch-sub002/internal/modules/strategy"
)

// Vote is one rule's opinion on a symbol
type Vote struct {
	Score     float64
	Abstained bool
	Rationale string
}

// Interpreter evaluates a rule's decision logic against fetched data.
// Implementations return a BUY-leaning score in [0,1], or an abstaining
// vote when the logic cannot be applied to the data at hand.
type Interpreter interface {
	Interpret(ctx context.Context, rule strategy.Rule, symbol string, data map[string]domain.Payload) (Vote, error)
}

// LLMClientInterface defines the completion call the LLM interpreter needs
type LLMClientInterface interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Compile-time check that the LLM client satisfies the contract
var _ LLMClientInterface = (*llm.Client)(nil)

// LLMInterpreter interprets free-text decision logic with a chat
// completion model. Production path; non-deterministic by nature, so
// dry runs and tests substitute the deterministic interpreter.
type LLMInterpreter struct {
	client LLMClientInterface
	log    zerolog.Logger
}

// NewLLMInterpreter creates a new LLM-backed interpreter
func NewLLMInterpreter(client LLMClientInterface, log zerolog.Logger) *LLMInterpreter {
	return &LLMInterpreter{
		client: client,
		log:    log.With().Str("service", "llm_interpreter").Logger(),
	}
}

const interpreterSystemPrompt = `You are a trading rule interpreter. You receive one rule and the market data fetched for one symbol. Score how strongly the data satisfies the rule, from 0.0 (strong violation) to 1.0 (strong match). If the data is insufficient to judge the rule, abstain.

Respond with ONLY a JSON object, no markdown: {"score": <0.0-1.0>, "abstain": <bool>, "rationale": "<one sentence>"}`

type llmVerdict struct {
	Score     float64 `json:"score"`
	Abstain   bool    `json:"abstain"`
	Rationale string  `json:"rationale"`
}

// Interpret scores the rule via the model. Malformed model output is an
// error; the evaluator maps interpreter errors to an abstaining vote.
func (i *LLMInterpreter) Interpret(ctx context.Context, rule strategy.Rule, symbol string, data map[string]domain.Payload) (Vote, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\nRule: %s\nLogic: %s\n\nData:\n", symbol, rule.Description, rule.DecisionLogic)
	for endpoint, payload := range data {
		fmt.Fprintf(&sb, "[%s]\n%s\n", endpoint, payload.Describe())
	}

	raw, err := i.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: interpreterSystemPrompt},
		{Role: "user", Content: sb.String()},
	})
	if err != nil {
		return Vote{}, err
	}

	var verdict llmVerdict
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &verdict); err != nil {
		return Vote{}, fmt.Errorf("unparseable interpreter response %q: %w", raw, err)
	}

	if verdict.Abstain {
		return Vote{Abstained: true, Rationale: verdict.Rationale}, nil
	}
	return Vote{
		Score:     math.Max(0, math.Min(1, verdict.Score)),
		Rationale: verdict.Rationale,
	}, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

// DeterministicInterpreter evaluates decision logic written as comparison
// expressions over payload fields, e.g.
//
//	quote.pe < 15 and mentions.sentiment_score > 0.2
//
// The left side is endpoint.field (dot path); the right side is a number
// or another field. The score is the fraction of clauses that hold. Logic
// that does not parse, or that references missing fields, abstains.
// Same data in, same vote out - used for dry runs and tests.
type DeterministicInterpreter struct{}

// NewDeterministicInterpreter creates a new deterministic interpreter
func NewDeterministicInterpreter() *DeterministicInterpreter {
	return &DeterministicInterpreter{}
}

var clausePattern = regexp.MustCompile(`^\s*([a-zA-Z0-9_.\-]+)\s*(<=|>=|==|!=|<|>)\s*(-?[0-9]+(?:\.[0-9]+)?|[a-zA-Z_][a-zA-Z0-9_.\-]*)\s*$`)

// Interpret evaluates the comparison clauses of the rule's decision logic
func (i *DeterministicInterpreter) Interpret(_ context.Context, rule strategy.Rule, _ string, data map[string]domain.Payload) (Vote, error) {
	clauses := splitClauses(rule.DecisionLogic)
	if len(clauses) == 0 {
		return Vote{Abstained: true, Rationale: "no clauses to evaluate"}, nil
	}

	satisfied := 0
	details := make([]string, 0, len(clauses))
	for _, clause := range clauses {
		m := clausePattern.FindStringSubmatch(clause)
		if m == nil {
			return Vote{Abstained: true, Rationale: fmt.Sprintf("cannot interpret clause %q", strings.TrimSpace(clause))}, nil
		}

		left, ok := resolveOperand(m[1], data)
		if !ok {
			return Vote{Abstained: true, Rationale: fmt.Sprintf("field %s not present in fetched data", m[1])}, nil
		}
		right, ok := resolveOperand(m[3], data)
		if !ok {
			return Vote{Abstained: true, Rationale: fmt.Sprintf("field %s not present in fetched data", m[3])}, nil
		}

		holds := compare(left, m[2], right)
		if holds {
			satisfied++
		}
		details = append(details, fmt.Sprintf("%s %s %s (%.4g vs %.4g): %t", m[1], m[2], m[3], left, right, holds))
	}

	return Vote{
		Score:     float64(satisfied) / float64(len(clauses)),
		Rationale: strings.Join(details, "; "),
	}, nil
}

func splitClauses(logic string) []string {
	normalized := strings.NewReplacer(" AND ", " and ", "&&", " and ").Replace(logic)
	parts := strings.Split(normalized, " and ")
	clauses := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			clauses = append(clauses, p)
		}
	}
	return clauses
}

// resolveOperand returns a numeric literal, or looks the path up in the
// fetched payloads. endpoint.field selects the endpoint's payload first;
// a bare path falls back to searching every payload.
func resolveOperand(token string, data map[string]domain.Payload) (float64, bool) {
	if v, err := strconv.ParseFloat(token, 64); err == nil {
		return v, true
	}

	if endpoint, path, found := strings.Cut(token, "."); found {
		if payload, ok := data[endpoint]; ok {
			if v, ok := payload.Float(path); ok {
				return v, true
			}
		}
	}
	for _, payload := range data {
		if v, ok := payload.Float(token); ok {
			return v, true
		}
	}
	return 0, false
}

func compare(left float64, op string, right float64) bool {
	switch op {
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "==":
		return left == right
	case "!=":
		return left != right
	}
	return false
}
