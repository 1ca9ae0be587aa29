// Package unitfile reads compilation units from YAML: the types and
// methods they reference and a structured body that is built into an IR
// graph.
//
// A body is a list of statements executed in order. Values are named by
// id; "$N" names the N-th incoming argument, receiver first. If and Switch
// carry their arms inline and arms that do not end in a terminal statement
// continue at a merge, whose phis are the Phi statements that immediately
// follow.
package unitfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/codegen/internal/meta"
)

type File struct {
	Types   []TypeDecl   `yaml:"types"`
	Methods []MethodDecl `yaml:"methods"`
	Units   []UnitDecl   `yaml:"units"`
}

type TypeDecl struct {
	Name string `yaml:"name"`
	// Element makes the type an array of the named type or primitive.
	Element     string   `yaml:"element"`
	Super       string   `yaml:"super"`
	Interfaces  []string `yaml:"interfaces"`
	Fingerprint uint64   `yaml:"fingerprint"`
}

type ParamDecl struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Type     string `yaml:"type"`
	Parallel string `yaml:"parallel_over"`
}

type MethodDecl struct {
	Holder    string      `yaml:"holder"`
	Name      string      `yaml:"name"`
	Static    bool        `yaml:"static"`
	Linked    bool        `yaml:"linked"`
	Interface bool        `yaml:"interface"`
	Return    string      `yaml:"return"`
	Params    []ParamDecl `yaml:"params"`
}

func (d MethodDecl) key() string { return d.Holder + "." + d.Name }

type UnitDecl struct {
	Method MethodDecl `yaml:"method"`
	// Kernel compiles the unit for the accelerator and installs a host
	// wrapper for it.
	Kernel bool        `yaml:"kernel"`
	Body   []Statement `yaml:"body"`
}

type Statement struct {
	ID     string   `yaml:"id"`
	Op     string   `yaml:"op"`
	Kind   string   `yaml:"kind"`
	Inputs []string `yaml:"inputs"`

	// Constants: Value is the literal, Const selects null, string, type,
	// method or a heap kind, Type and Method name the referent.
	Value      string `yaml:"value"`
	Const      string `yaml:"const"`
	Type       string `yaml:"type"`
	Method     string `yaml:"method"`
	Compressed bool   `yaml:"compressed"`

	Binary string  `yaml:"binary"`
	Cond   string  `yaml:"cond"`
	Invoke string  `yaml:"invoke"`
	Offset int64   `yaml:"offset"`
	Target string  `yaml:"target"`
	Reason string  `yaml:"reason"`
	State  bool    `yaml:"state"`
	Keys   []int64 `yaml:"keys"`

	Then  []Statement   `yaml:"then"`
	Else  []Statement   `yaml:"else"`
	Cases [][]Statement `yaml:"cases"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unitfile: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unitfile: %s: %w", path, err)
	}
	return f, nil
}

func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if len(f.Units) == 0 {
		return nil, fmt.Errorf("no units")
	}
	return &f, nil
}

// Universe resolves the type and method names of a file.
type Universe struct {
	types   map[string]*meta.Type
	methods map[string]*meta.Method
}

// Resolve declares every type and method of f, including the methods of
// its units.
func (f *File) Resolve() (*Universe, error) {
	u := &Universe{types: make(map[string]*meta.Type), methods: make(map[string]*meta.Method)}
	for _, k := range []meta.Kind{meta.KindBoolean, meta.KindByte, meta.KindShort, meta.KindChar,
		meta.KindInt, meta.KindLong, meta.KindFloat, meta.KindDouble} {
		u.types[k.String()] = meta.Primitive(k)
	}
	for _, d := range f.Types {
		if _, dup := u.types[d.Name]; dup || d.Name == "" {
			return nil, fmt.Errorf("type %q declared twice or unnamed", d.Name)
		}
		u.types[d.Name] = &meta.Type{Name: d.Name, Kind: meta.KindObject, Fingerprint: d.Fingerprint}
	}
	for _, d := range f.Types {
		t := u.types[d.Name]
		var err error
		if d.Element != "" {
			if t.Element, err = u.Type(d.Element); err != nil {
				return nil, fmt.Errorf("type %s: %w", d.Name, err)
			}
		}
		if d.Super != "" {
			if t.Super, err = u.Type(d.Super); err != nil {
				return nil, fmt.Errorf("type %s: %w", d.Name, err)
			}
		}
		for _, name := range d.Interfaces {
			it, err := u.Type(name)
			if err != nil {
				return nil, fmt.Errorf("type %s: %w", d.Name, err)
			}
			t.Interfaces = append(t.Interfaces, it)
		}
	}

	decls := append([]MethodDecl(nil), f.Methods...)
	for _, unit := range f.Units {
		decls = append(decls, unit.Method)
	}
	for _, d := range decls {
		if _, dup := u.methods[d.key()]; dup {
			return nil, fmt.Errorf("method %s declared twice", d.key())
		}
		m, err := u.method(d)
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", d.key(), err)
		}
		u.methods[d.key()] = m
	}
	return u, nil
}

func (u *Universe) Type(name string) (*meta.Type, error) {
	if t, ok := u.types[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}

func (u *Universe) Method(key string) (*meta.Method, error) {
	if m, ok := u.methods[key]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("unknown method %q", key)
}

func (u *Universe) method(d MethodDecl) (*meta.Method, error) {
	holder, err := u.Type(d.Holder)
	if err != nil {
		return nil, err
	}
	m := &meta.Method{
		Name:      d.Name,
		Holder:    holder,
		Static:    d.Static,
		Linked:    d.Linked,
		Interface: d.Interface,
		Return:    meta.KindVoid,
	}
	if d.Return != "" {
		if m.Return, err = meta.ParseKind(d.Return); err != nil {
			return nil, err
		}
	}
	for i, pd := range d.Params {
		p := meta.Param{Name: pd.Name}
		if pd.Type != "" {
			if p.Type, err = u.Type(pd.Type); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
			p.Kind = p.Type.Kind
		}
		if pd.Kind != "" {
			if p.Kind, err = meta.ParseKind(pd.Kind); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
		}
		if p.Kind == meta.KindIllegal {
			return nil, fmt.Errorf("param %d has neither kind nor type", i)
		}
		if pd.Parallel != "" {
			if p.ParallelOver, err = meta.ParseDimension(pd.Parallel); err != nil {
				return nil, fmt.Errorf("param %d: %w", i, err)
			}
		}
		m.Params = append(m.Params, p)
	}
	return m, nil
}
