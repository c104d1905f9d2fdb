package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError reports every structural problem found in a graph before execution
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid graph: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid graph: %s", strings.Join(e.Problems, "; "))
}

// ErrEmptyGraph is reported when a graph has no nodes
var ErrEmptyGraph = errors.New("no nodes in workflow")

// newValidator returns a validator with the nodetype rule registered
func newValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("nodetype", func(fl validator.FieldLevel) bool {
		return NodeType(fl.Field().String()).Valid()
	})
	return validate
}

// Validate checks the graph for problems that must stop a run before it is created:
// an empty node list, unknown node types, duplicate node ids, and malformed config.
// Connections to unknown node ids are not an error; the scheduler ignores them.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return &ValidationError{Problems: []string{ErrEmptyGraph.Error()}}
	}

	var problems []string

	seen := make(map[int]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %d", n.ID))
		}
		seen[n.ID] = true
	}

	if err := newValidator().Struct(g); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate graph: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// describeFieldError turns a validator field error into a readable problem
func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "nodetype", "required":
		if fe.Field() == "Type" {
			return fmt.Sprintf("unknown node type %q at %s", fe.Value(), trimNamespace(fe.Namespace()))
		}
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", trimNamespace(fe.Namespace()), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("%s failed %q validation", trimNamespace(fe.Namespace()), fe.Tag())
}

func trimNamespace(ns string) string {
	return strings.TrimPrefix(ns, "Graph.")
}
