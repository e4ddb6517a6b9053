// Package rules provides the CEL-Go based custom scoring rules that operators
// layer on top of the built-in risk factors.
package rules

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// Input holds the per-transaction facts rules can reference.
type Input struct {
	UserID        string
	Amount        float64
	Merchant      string
	PaymentMethod string
	Location      string
	Hour          int
	VelocityCount int

	// AmountRatio is amount / profile average, or 0 without a baseline.
	AmountRatio float64

	NewDevice     bool
	KnownMerchant bool
	KnownLocation bool
}

// Outcome is the result of one rule. Delta is 0 when the rule did not fire.
type Outcome struct {
	RuleID string
	Delta  float64
	Reason string
	Err    error
}

// Fired reports whether the rule contributed to the score.
func (o Outcome) Fired() bool {
	return o.Err == nil && o.Delta > 0
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("user_id", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("location", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("velocity_count", cel.IntType),
		cel.Variable("amount_ratio", cel.DoubleType),
		cel.Variable("new_device", cel.BoolType),
		cel.Variable("known_merchant", cel.BoolType),
		cel.Variable("known_location", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule checks fields and compiles the expression without loading it.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine. Loading a disabled
// rule removes any previous version of it.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("rule config is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() { metrics.RulesLoaded.Set(float64(len(e.compiledRules))) }()

	if !cfg.Enabled {
		delete(e.compiledRules, cfg.ID)
		return nil
	}

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}
	e.compiledRules[cfg.ID] = compiled

	return nil
}

// ReloadRules replaces all loaded rules. On error the old set stays active.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	newRules := make(map[string]*CompiledRule)

	e.mu.RLock()
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			e.mu.RUnlock()
			return fmt.Errorf("rule %s: %w", cfg.ID, err)
		}
		compiled, err := e.compileRule(cfg)
		if err != nil {
			e.mu.RUnlock()
			return err
		}
		newRules[cfg.ID] = compiled
	}
	e.mu.RUnlock()

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()
	metrics.RulesLoaded.Set(float64(len(newRules)))

	return nil
}

// Evaluate runs every loaded rule against in. Outcomes are returned in
// rule-ID order regardless of how evaluation was scheduled.
func (e *Engine) Evaluate(ctx context.Context, in Input) []Outcome {
	rules := e.sortedRules()
	if len(rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"user_id":        in.UserID,
		"amount":         in.Amount,
		"merchant":       in.Merchant,
		"payment_method": in.PaymentMethod,
		"location":       in.Location,
		"hour":           int64(in.Hour),
		"velocity_count": int64(in.VelocityCount),
		"amount_ratio":   in.AmountRatio,
		"new_device":     in.NewDevice,
		"known_merchant": in.KnownMerchant,
		"known_location": in.KnownLocation,
	}

	results := make([]Outcome, len(rules))

	// Small rule sets run inline.
	if len(rules) <= 2 || e.maxWorkers == 1 {
		for i, r := range rules {
			results[i] = evaluateRule(r, activation)
		}
		return results
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i, rule := range rules {
		if ctx.Err() != nil {
			results[i] = Outcome{RuleID: rule.Config.ID, Err: ctx.Err()}
			continue
		}
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}        // Acquire
			defer func() { <-sem }() // Release

			results[idx] = evaluateRule(r, activation)
		}(i, rule)
	}

	wg.Wait()

	return results
}

func evaluateRule(rule *CompiledRule, activation map[string]any) Outcome {
	out := Outcome{RuleID: rule.Config.ID}

	val, _, err := rule.Program.Eval(activation)
	if err != nil {
		out.Err = fmt.Errorf("rule %s: evaluation error: %w", rule.Config.ID, err)
		return out
	}

	out.Delta = toDelta(val, rule.Config.Score)
	if out.Delta > 0 {
		out.Reason = rule.Config.Reason
	}
	return out
}

// toDelta converts a CEL value to a score delta in [0, limit].
// true counts as the full limit.
func toDelta(val ref.Val, limit float64) float64 {
	var v float64
	switch x := val.(type) {
	case types.Bool:
		if x {
			v = limit
		}
	case types.Double:
		v = float64(x)
	case types.Int:
		v = float64(x)
	}
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	return math.Min(v, limit)
}

func (e *Engine) sortedRules() []*CompiledRule {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Config.ID < rules[j].Config.ID
	})
	return rules
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the loaded rule configurations in ID order.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	rules := e.sortedRules()
	out := make([]*domain.RuleConfig, len(rules))
	for i, r := range rules {
		out[i] = r.Config
	}
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	metrics.RulesLoaded.Set(0)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if !outputType.IsExactType(cel.BoolType) && !outputType.IsExactType(cel.DoubleType) && !outputType.IsExactType(cel.IntType) {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	// Keep a private copy so later edits by the caller do not leak in.
	c := *cfg
	return &CompiledRule{
		Config:  &c,
		Program: program,
	}, nil
}
