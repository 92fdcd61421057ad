package schema

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// LoadError is a schema document error with source position.
type LoadError struct {
	Path    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Path, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// LoadDir loads every CUE file in dir that has no package clause and
// compiles the top-level `model` struct into a sealed Schema.
//
// Document shape:
//
//	model: User: {
//		prefix: "user"
//		states: {
//			Created: {name: "String", nickname: "String?"}
//			Deleted: {name: "String"}
//		}
//		transitions: {
//			Create: {to: ["Created"], fields: {nickname: "String?"}}
//			Delete: {from: ["Created"], to: ["Deleted"]}
//		}
//	}
//
// States, transitions and fields keep their declaration order.
func LoadDir(dir string) (*Schema, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	// Package "_" selects files without a package clause.
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: "_"})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError("load", inst.Err)
	}

	v := ctx.BuildInstance(inst)
	return Compile(v)
}

// CompileString compiles a schema from CUE source text.
func CompileString(src string) (*Schema, error) {
	ctx := cuecontext.New()
	return Compile(ctx.CompileString(src, cue.Filename("schema.cue")))
}

// Compile turns a built CUE value into a sealed Schema.
func Compile(v cue.Value) (*Schema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError("build", err)
	}

	modelsVal := v.LookupPath(cue.ParsePath("model"))
	if !modelsVal.Exists() {
		return nil, &LoadError{Path: "model", Message: "no models declared", Pos: v.Pos()}
	}

	iter, err := modelsVal.Fields()
	if err != nil {
		return nil, formatCUEError("model", err)
	}

	var models []Model
	for iter.Next() {
		m, err := compileModel(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return New(models...)
}

func compileModel(name string, v cue.Value) (Model, error) {
	path := "model." + name
	m := Model{Name: name}

	prefix, err := requiredString(v, "prefix", path)
	if err != nil {
		return Model{}, err
	}
	m.Prefix = prefix

	statesVal := v.LookupPath(cue.ParsePath("states"))
	if !statesVal.Exists() {
		return Model{}, &LoadError{Path: path + ".states", Message: "states are required", Pos: v.Pos()}
	}
	states, err := statesVal.Fields()
	if err != nil {
		return Model{}, formatCUEError(path+".states", err)
	}
	for states.Next() {
		fields, err := compileFields(path+".states."+states.Label(), states.Value())
		if err != nil {
			return Model{}, err
		}
		m.States = append(m.States, State{Name: states.Label(), Fields: fields})
	}

	transitionsVal := v.LookupPath(cue.ParsePath("transitions"))
	if transitionsVal.Exists() {
		transitions, err := transitionsVal.Fields()
		if err != nil {
			return Model{}, formatCUEError(path+".transitions", err)
		}
		for transitions.Next() {
			t, err := compileTransition(path+".transitions."+transitions.Label(), transitions.Label(), transitions.Value())
			if err != nil {
				return Model{}, err
			}
			m.Transitions = append(m.Transitions, t)
		}
	}
	return m, nil
}

func compileTransition(path, name string, v cue.Value) (Transition, error) {
	t := Transition{Name: name}

	fromVal := v.LookupPath(cue.ParsePath("from"))
	if fromVal.Exists() {
		from, err := stringList(path+".from", fromVal)
		if err != nil {
			return Transition{}, err
		}
		if from == nil {
			from = []string{}
		}
		t.From = from
	}

	toVal := v.LookupPath(cue.ParsePath("to"))
	if !toVal.Exists() {
		return Transition{}, &LoadError{Path: path + ".to", Message: "to-states are required", Pos: v.Pos()}
	}
	to, err := stringList(path+".to", toVal)
	if err != nil {
		return Transition{}, err
	}
	t.To = to

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if fieldsVal.Exists() {
		fields, err := compileFields(path+".fields", fieldsVal)
		if err != nil {
			return Transition{}, err
		}
		t.Fields = fields
	}
	return t, nil
}

func compileFields(path string, v cue.Value) ([]Field, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(path, err)
	}
	var fields []Field
	for iter.Next() {
		typeName, err := iter.Value().String()
		if err != nil {
			return nil, &LoadError{Path: path + "." + iter.Label(), Message: "field type must be a string", Pos: iter.Value().Pos()}
		}
		typ, err := ParseType(typeName)
		if err != nil {
			return nil, &LoadError{Path: path + "." + iter.Label(), Message: err.Error(), Pos: iter.Value().Pos()}
		}
		fields = append(fields, Field{Name: iter.Label(), Type: typ})
	}
	return fields, nil
}

func stringList(path string, v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, &LoadError{Path: path, Message: "must be a list of state names", Pos: v.Pos()}
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, &LoadError{Path: path, Message: "must be a list of state names", Pos: iter.Value().Pos()}
		}
		out = append(out, s)
	}
	return out, nil
}

func requiredString(v cue.Value, field, path string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &LoadError{Path: path + "." + field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(path+"."+field, err)
	}
	return s, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(path string, err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Path: path, Message: err.Error()}
	}
	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &LoadError{Path: path, Message: first.Error(), Pos: positions[0]}
	}
	return &LoadError{Path: path, Message: first.Error()}
}
