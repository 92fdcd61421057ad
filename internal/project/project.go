// Package project holds an application's transition functions and
// consumer registrations, and the Client handed to both.
package project

import (
	"context"
	"sort"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/schema"
)

// TransitionFunc proposes an object's next state. c is scoped to the
// transition being applied: transitions it applies are attributed to t.
type TransitionFunc func(ctx context.Context, c *Client, prior *ir.Object, t ir.Transition) (ir.Object, error)

// Handler runs a consumer for one committed transition. c is scoped to the
// task: transitions it applies are attributed to the task id. Handlers may
// run more than once for the same transition and must be idempotent.
type Handler func(ctx context.Context, c *Client, obj ir.Object, t ir.Transition) error

// Consumer is a named handler interested in some transitions of one model.
type Consumer struct {
	Name        string
	Model       string
	Transitions []string
	Handler     Handler
}

// Matches reports whether the consumer is interested in model.transition.
func (c Consumer) Matches(model, transition string) bool {
	if c.Model != model {
		return false
	}
	for _, t := range c.Transitions {
		if t == transition {
			return true
		}
	}
	return false
}

type transitionKey struct {
	model, transition string
}

// Project binds transition functions and consumers to a schema.
//
// Build it with Define and Consume, then call Validate once before use.
// A validated Project is read-only and safe for concurrent use.
type Project struct {
	schema      *schema.Schema
	transitions map[transitionKey]TransitionFunc
	consumers   []Consumer
	byName      map[string]int
}

// New returns an empty project over s.
func New(s *schema.Schema) *Project {
	return &Project{
		schema:      s,
		transitions: make(map[transitionKey]TransitionFunc),
		byName:      make(map[string]int),
	}
}

// Schema returns the project's schema.
func (p *Project) Schema() *schema.Schema {
	return p.schema
}

// Define registers the function for model.transition. Transitions without
// one use engine.Merge.
func (p *Project) Define(model, transition string, fn TransitionFunc) *Project {
	p.transitions[transitionKey{model, transition}] = fn
	return p
}

// Consume registers a consumer.
func (p *Project) Consume(c Consumer) *Project {
	p.consumers = append(p.consumers, c)
	return p
}

// Validate checks every registration against the schema. Problems are
// configuration errors.
func (p *Project) Validate() error {
	if p.schema == nil {
		return ir.Configuration("project has no schema")
	}

	keys := make([]transitionKey, 0, len(p.transitions))
	for k := range p.transitions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].model != keys[j].model {
			return keys[i].model < keys[j].model
		}
		return keys[i].transition < keys[j].transition
	})
	for _, k := range keys {
		if _, _, err := p.schema.Resolve(k.model, k.transition); err != nil {
			return ir.Configuration("transition function for %s.%s: %v", k.model, k.transition, err)
		}
		if p.transitions[k] == nil {
			return ir.Configuration("transition function for %s.%s is nil", k.model, k.transition)
		}
	}

	byName := make(map[string]int, len(p.consumers))
	for i, c := range p.consumers {
		if c.Name == "" {
			return ir.Configuration("consumer %d has no name", i)
		}
		if _, dup := byName[c.Name]; dup {
			return ir.Configuration("duplicate consumer %s", c.Name)
		}
		if c.Handler == nil {
			return ir.Configuration("consumer %s has no handler", c.Name)
		}
		if len(c.Transitions) == 0 {
			return ir.Configuration("consumer %s is not interested in any transition", c.Name)
		}
		for _, t := range c.Transitions {
			if _, _, err := p.schema.Resolve(c.Model, t); err != nil {
				return ir.Configuration("consumer %s: %v", c.Name, err)
			}
		}
		byName[c.Name] = i
	}
	p.byName = byName
	return nil
}

// TransitionFunc returns the function registered for model.transition, or
// nil.
func (p *Project) TransitionFunc(model, transition string) TransitionFunc {
	return p.transitions[transitionKey{model, transition}]
}

// Consumers returns all consumers in registration order.
func (p *Project) Consumers() []Consumer {
	return p.consumers
}

// Consumer returns the named consumer, or a not-found error.
func (p *Project) Consumer(name string) (Consumer, error) {
	i, ok := p.byName[name]
	if !ok {
		return Consumer{}, ir.NotFound("no consumer named %s", name)
	}
	return p.consumers[i], nil
}

// ConsumersFor returns the consumers interested in model.transition, in
// registration order.
func (p *Project) ConsumersFor(model, transition string) []Consumer {
	var out []Consumer
	for _, c := range p.consumers {
		if c.Matches(model, transition) {
			out = append(out, c)
		}
	}
	return out
}
