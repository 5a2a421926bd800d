package mcp

import (
	"context"
	"fmt"

	"screenwatch-mcp-server/internal/mangle"
)

// QueryFactsTool runs a single-atom Mangle query over observer facts.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query against observer facts.

PREDICATES:
- url_change(Session, OldUrl, NewUrl, TimestampMs)
- manual_intervention(Session, Category, Reason, Url, TimestampMs)
- challenge_detected(Session, OldUrl, NewUrl, TimestampMs)
- observer_state(Session, State, TimestampMs)
- navigation_event(Session, Url, TimestampMs)
- requires_human(Session, Category)
- recurring_escalation(Session, Category)
- session_challenged(Session, Url)
- handler_gap(Session, Category)

EXAMPLE: requires_human(S, C).`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Query atom ending with a period",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, mangle.ErrNotReady
	}
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(results), "results": results}, nil
}

// EvaluateRuleTool derives every fact of a predicate, optionally after
// adding rules to the program.
type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return `Evaluate a derived predicate and return all of its facts.

Pass "rule" to add declarations and rules first; they stay loaded for later
calls. Example:
  rule: "Decl stuck(S). stuck(S) :- recurring_escalation(S, _)."
  predicate: "stuck"`
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to evaluate, e.g. requires_human",
			},
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Optional Mangle source to add before evaluating",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, mangle.ErrNotReady
	}
	predicate := getStringArg(args, "predicate")
	if predicate == "" {
		return nil, fmt.Errorf("predicate is required")
	}
	if rule := getStringArg(args, "rule"); rule != "" {
		if err := t.engine.AddRule(rule); err != nil {
			return nil, err
		}
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}
