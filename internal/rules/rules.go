// Package rules evaluates operator-supplied CEL expressions against the
// working model before a save is submitted. A failing rule blocks the save
// locally and flags the field it names, so obviously bad writes never reach
// the API server.
package rules

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"

	"github.com/kubepane/kubepane/internal/fieldpath"
)

// Rule is one save guard. Expression is a CEL predicate over the variable
// `object` (the working model as a dynamic map); it must evaluate to true
// for the save to proceed.
type Rule struct {
	// Name identifies the rule in logs and error messages.
	Name string `json:"name"`

	// Kind optionally restricts the rule to objects of one kind.
	Kind string `json:"kind,omitempty"`

	// Expression is the CEL predicate, e.g.
	// `object.spec.replicas <= 20`.
	Expression string `json:"expression"`

	// Field is the dot/bracket path flagged when the rule fails.
	Field string `json:"field"`

	// Message is shown to the user when the rule fails.
	Message string `json:"message"`
}

// Config is the on-disk shape of a rules file.
type Config struct {
	Rules []Rule `json:"rules"`
}

// LoadConfig reads and decodes a YAML rules file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode rules file %s: %w", path, err)
	}
	return &cfg, nil
}

// Guard holds compiled rules. It satisfies the session's Guard interface.
type Guard struct {
	rules []compiledRule
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Compile builds a Guard from rule definitions. Every expression must
// compile and produce a boolean.
func Compile(defs []Rule) (*Guard, error) {
	env, err := cel.NewEnv(cel.Variable("object", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	g := &Guard{rules: make([]compiledRule, 0, len(defs))}
	for _, def := range defs {
		if def.Name == "" {
			return nil, fmt.Errorf("rule with expression %q has no name", def.Expression)
		}
		ast, iss := env.Compile(def.Expression)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %q does not compile: %w", def.Name, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %q must evaluate to a boolean, got %s", def.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %q failed to build: %w", def.Name, err)
		}
		g.rules = append(g.rules, compiledRule{rule: def, prg: prg})
	}
	return g, nil
}

// Check evaluates all applicable rules against the object. A rule that
// fails, or that cannot be evaluated against the object's actual shape,
// contributes one cause. An empty result means the save may proceed.
func (g *Guard) Check(obj *unstructured.Unstructured) []fieldpath.Cause {
	if g == nil || obj == nil {
		return nil
	}

	var causes []fieldpath.Cause
	for _, cr := range g.rules {
		if cr.rule.Kind != "" && cr.rule.Kind != obj.GetKind() {
			continue
		}

		out, _, err := cr.prg.Eval(map[string]any{"object": obj.Object})
		if err != nil {
			causes = append(causes, fieldpath.Cause{
				Field:   cr.rule.Field,
				Message: fmt.Sprintf("%s (rule %q could not be evaluated: %v)", cr.rule.Message, cr.rule.Name, err),
				Reason:  "RuleEvaluationError",
			})
			continue
		}
		if passed, ok := out.Value().(bool); !ok || !passed {
			causes = append(causes, fieldpath.Cause{
				Field:   cr.rule.Field,
				Message: cr.rule.Message,
				Reason:  "RuleViolation",
			})
		}
	}
	return causes
}
