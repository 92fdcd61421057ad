package schema

import (
	"fmt"
	"regexp"

	"github.com/roach88/transit/internal/ir"
)

// Field is a named, typed value slot. Names are camelCase.
type Field struct {
	Name string
	Type Type
}

// State is a named variant of a model's shape.
type State struct {
	Name   string
	Fields []Field
}

// Field returns the named field of the state.
func (s *State) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Transition declares an allowed state change.
//
// From == nil marks an initializing transition, which always creates a new
// object. Fields describe the transition's input payload.
type Transition struct {
	Name   string
	From   []string
	To     []string
	Fields []Field
}

// Initializing reports whether the transition creates objects.
func (t *Transition) Initializing() bool {
	return t.From == nil
}

// AllowsFrom reports whether an object in state may take this transition.
func (t *Transition) AllowsFrom(state string) bool {
	return contains(t.From, state)
}

// AllowsTo reports whether state is a declared target.
func (t *Transition) AllowsTo(state string) bool {
	return contains(t.To, state)
}

// ValidateData checks a transition payload against the declared fields.
// Undeclared keys are rejected.
func (t *Transition) ValidateData(data ir.Fields) (ir.Fields, error) {
	out := make(ir.Fields, len(t.Fields))
	for key := range data {
		if !hasField(t.Fields, key) {
			return nil, ir.Validation(key, "not a field of transition %s", t.Name)
		}
	}
	for _, f := range t.Fields {
		v := data[f.Name]
		if err := f.Type.Validate(v); err != nil {
			return nil, ir.Validation(f.Name, "%v", err)
		}
		cv, err := f.Type.Coerce(v)
		if err != nil {
			return nil, ir.Validation(f.Name, "%v", err)
		}
		if _, present := data[f.Name]; present || cv != nil {
			out[f.Name] = cv
		}
	}
	return out, nil
}

// Column is one storage column of a model table.
type Column struct {
	// Name is the snake_case column name.
	Name string
	// Field is the camelCase field name.
	Field string
	Type  Type
	// NotNull is set when the field appears in every state and is not optional.
	NotNull bool
}

// Model is validated metadata for one model. A Model obtained from a Schema
// must not be modified.
type Model struct {
	Name        string
	Prefix      string
	States      []State
	Transitions []Transition

	columns []Column
}

// State returns the named state.
func (m *Model) State(name string) (*State, bool) {
	for i := range m.States {
		if m.States[i].Name == name {
			return &m.States[i], true
		}
	}
	return nil, false
}

// Transition returns the named transition.
func (m *Model) Transition(name string) (*Transition, bool) {
	for i := range m.Transitions {
		if m.Transitions[i].Name == name {
			return &m.Transitions[i], true
		}
	}
	return nil, false
}

// Table returns the storage table name: the plural snake_case model name.
func (m *Model) Table() string {
	return TableName(m.Name)
}

// Columns returns one column per distinct field name across all states, in
// first-declaration order.
func (m *Model) Columns() []Column {
	return m.columns
}

// Column returns the column for a camelCase field name.
func (m *Model) Column(field string) (Column, bool) {
	for _, c := range m.columns {
		if c.Field == field {
			return c, true
		}
	}
	return Column{}, false
}

// ValidateState checks proposed fields against the named state's
// declarations and returns the canonical field set for that state. Fields
// not declared on the state are dropped. The first violation aborts.
func (m *Model) ValidateState(state string, fields ir.Fields) (ir.Fields, error) {
	st, ok := m.State(state)
	if !ok {
		return nil, ir.Validation("state", "%q is not a state of %s", state, m.Name)
	}
	out := make(ir.Fields, len(st.Fields))
	for _, f := range st.Fields {
		v := fields[f.Name]
		if err := f.Type.Validate(v); err != nil {
			return nil, ir.Validation(f.Name, "%v", err)
		}
		cv, err := f.Type.Coerce(v)
		if err != nil {
			return nil, ir.Validation(f.Name, "%v", err)
		}
		out[f.Name] = cv
	}
	return out, nil
}

// Schema is the sealed set of models. It is validated once by New and is
// read-only afterwards, so it is safe for concurrent use.
type Schema struct {
	models []*Model
	byName map[string]*Model
}

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

var reservedFields = map[string]bool{"id": true, "state": true}

// New validates the models and returns a sealed Schema. All problems are
// reported as configuration errors.
func New(models ...Model) (*Schema, error) {
	s := &Schema{byName: make(map[string]*Model, len(models))}
	prefixes := make(map[string]string)

	for i := range models {
		m := copyModel(models[i])
		if err := validateModel(m); err != nil {
			return nil, err
		}
		if _, dup := s.byName[m.Name]; dup {
			return nil, ir.Configuration("duplicate model %s", m.Name)
		}
		if other, dup := prefixes[m.Prefix]; dup {
			return nil, ir.Configuration("models %s and %s share prefix %q", other, m.Name, m.Prefix)
		}
		cols, err := buildColumns(m)
		if err != nil {
			return nil, err
		}
		m.columns = cols

		prefixes[m.Prefix] = m.Name
		s.byName[m.Name] = m
		s.models = append(s.models, m)
	}
	return s, nil
}

// MustNew is like New but panics on error. Intended for tests and static
// definitions.
func MustNew(models ...Model) *Schema {
	s, err := New(models...)
	if err != nil {
		panic(err)
	}
	return s
}

// Models returns all models in declaration order.
func (s *Schema) Models() []*Model {
	return s.models
}

// Model returns the named model.
func (s *Schema) Model(name string) (*Model, bool) {
	m, ok := s.byName[name]
	return m, ok
}

// Resolve returns the model and transition metadata for a pair of names.
// Missing names yield a not-found error.
func (s *Schema) Resolve(model, transition string) (*Model, *Transition, error) {
	m, ok := s.byName[model]
	if !ok {
		return nil, nil, ir.NotFound("unknown model %s", model)
	}
	t, ok := m.Transition(transition)
	if !ok {
		return nil, nil, ir.NotFound("unknown transition %s.%s", model, transition)
	}
	return m, t, nil
}

func validateModel(m *Model) error {
	if m.Name == "" {
		return ir.Configuration("model name is required")
	}
	if !prefixPattern.MatchString(m.Prefix) {
		return ir.Configuration("model %s: prefix %q must be lowercase alphanumeric", m.Name, m.Prefix)
	}
	if m.Prefix == ir.TransitionPrefix || m.Prefix == ir.TaskPrefix {
		return ir.Configuration("model %s: prefix %q is reserved", m.Name, m.Prefix)
	}
	if len(m.States) == 0 {
		return ir.Configuration("model %s: at least one state is required", m.Name)
	}

	states := make(map[string]bool)
	for _, st := range m.States {
		if st.Name == "" {
			return ir.Configuration("model %s: state name is required", m.Name)
		}
		if states[st.Name] {
			return ir.Configuration("model %s: duplicate state %s", m.Name, st.Name)
		}
		states[st.Name] = true
		if err := validateFields(m.Name+"."+st.Name, st.Fields); err != nil {
			return err
		}
	}

	transitions := make(map[string]bool)
	for _, t := range m.Transitions {
		where := m.Name + "." + t.Name
		if t.Name == "" {
			return ir.Configuration("model %s: transition name is required", m.Name)
		}
		if transitions[t.Name] {
			return ir.Configuration("model %s: duplicate transition %s", m.Name, t.Name)
		}
		transitions[t.Name] = true

		if t.From != nil && len(t.From) == 0 {
			return ir.Configuration("transition %s: from-state set is empty", where)
		}
		if len(t.To) == 0 {
			return ir.Configuration("transition %s: to-state set is empty", where)
		}
		for _, name := range t.From {
			if !states[name] {
				return ir.Configuration("transition %s: unknown from-state %s", where, name)
			}
		}
		for _, name := range t.To {
			if !states[name] {
				return ir.Configuration("transition %s: unknown to-state %s", where, name)
			}
		}
		if err := validateFields(where, t.Fields); err != nil {
			return err
		}
	}
	return nil
}

func validateFields(where string, fields []Field) error {
	seen := make(map[string]bool)
	for _, f := range fields {
		if f.Name == "" {
			return ir.Configuration("%s: field name is required", where)
		}
		if reservedFields[f.Name] {
			return ir.Configuration("%s: field name %q is reserved", where, f.Name)
		}
		if seen[f.Name] {
			return ir.Configuration("%s: duplicate field %s", where, f.Name)
		}
		seen[f.Name] = true
		if _, ok := kindNames[f.Type.Kind]; !ok {
			return ir.Configuration("%s: field %s has no type", where, f.Name)
		}
	}
	return nil
}

func buildColumns(m *Model) ([]Column, error) {
	var cols []Column
	index := make(map[string]int)

	for _, st := range m.States {
		for _, f := range st.Fields {
			if i, ok := index[f.Name]; ok {
				if cols[i].Type.Kind != f.Type.Kind {
					return nil, ir.Configuration("model %s: field %s is %s in one state and %s in another",
						m.Name, f.Name, cols[i].Type.Kind, f.Type.Kind)
				}
				if f.Type.Optional {
					cols[i].Type.Optional = true
				}
				continue
			}
			index[f.Name] = len(cols)
			cols = append(cols, Column{Name: ColumnName(f.Name), Field: f.Name, Type: f.Type})
		}
	}

	for i := range cols {
		cols[i].NotNull = !cols[i].Type.Optional && inAllStates(m, cols[i].Field)
	}
	return cols, nil
}

func inAllStates(m *Model, field string) bool {
	for _, st := range m.States {
		if !hasField(st.Fields, field) {
			return false
		}
	}
	return true
}

func copyModel(in Model) *Model {
	m := &Model{Name: in.Name, Prefix: in.Prefix}
	for _, st := range in.States {
		m.States = append(m.States, State{Name: st.Name, Fields: append([]Field(nil), st.Fields...)})
	}
	for _, t := range in.Transitions {
		ct := Transition{Name: t.Name, To: append([]string(nil), t.To...), Fields: append([]Field(nil), t.Fields...)}
		if t.From != nil {
			ct.From = append([]string{}, t.From...)
		}
		m.Transitions = append(m.Transitions, ct)
	}
	return m
}

func hasField(fields []Field, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// String renders a one-line summary, used by the CLI.
func (m *Model) String() string {
	return fmt.Sprintf("%s (prefix %s, %d states, %d transitions)", m.Name, m.Prefix, len(m.States), len(m.Transitions))
}
