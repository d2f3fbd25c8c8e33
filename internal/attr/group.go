package attr

import "fmt"

// Group is an ordered collection of named attributes, corresponding to
// one IPP attribute group (operation-attributes, job-attributes, ...).
// Order is preserved because readback responses must echo requested
// attributes in a stable order; lookups are O(n) which is fine since
// real groups hold at most a few dozen attributes.
type Group struct {
	Attrs []Attribute
}

// Set replaces (or appends) the named attribute with a single value.
func (g *Group) Set(name string, v Value) {
	for i := range g.Attrs {
		if g.Attrs[i].Name == name {
			g.Attrs[i].Values = []Value{v}
			return
		}
	}
	g.Attrs = append(g.Attrs, Attribute{Name: name, Values: []Value{v}})
}

// SetMulti replaces (or appends) the named attribute with several values
// (e.g. multi-valued printer-state-reasons).
func (g *Group) SetMulti(name string, vs ...Value) {
	for i := range g.Attrs {
		if g.Attrs[i].Name == name {
			g.Attrs[i].Values = vs
			return
		}
	}
	g.Attrs = append(g.Attrs, Attribute{Name: name, Values: vs})
}

// Get returns the first value of the named attribute.
func (g *Group) Get(name string) (Value, bool) {
	for _, a := range g.Attrs {
		if a.Name == name {
			if len(a.Values) == 0 {
				return Value{}, false
			}
			return a.Values[0], true
		}
	}
	return Value{}, false
}

// GetAll returns every value of the named attribute.
func (g *Group) GetAll(name string) ([]Value, bool) {
	for _, a := range g.Attrs {
		if a.Name == name {
			return a.Values, true
		}
	}
	return nil, false
}

// Delete removes the named attribute, if present.
func (g *Group) Delete(name string) {
	for i := range g.Attrs {
		if g.Attrs[i].Name == name {
			g.Attrs = append(g.Attrs[:i], g.Attrs[i+1:]...)
			return
		}
	}
}

// RequireInt extracts a required integer/enum attribute, producing a
// bad-request-shaped error identifying the missing or mistyped name.
func (g *Group) RequireInt(name string) (int32, error) {
	v, ok := g.Get(name)
	if !ok {
		return 0, fmt.Errorf("attr: missing required attribute %q", name)
	}
	n, err := v.Int()
	if err != nil {
		return 0, fmt.Errorf("attr: attribute %q: %w", name, err)
	}
	return n, nil
}

// RequireStr extracts a required string-like attribute.
func (g *Group) RequireStr(name string) (string, error) {
	v, ok := g.Get(name)
	if !ok {
		return "", fmt.Errorf("attr: missing required attribute %q", name)
	}
	s, err := v.Str()
	if err != nil {
		return "", fmt.Errorf("attr: attribute %q: %w", name, err)
	}
	return s, nil
}

// OptStr extracts an optional string-like attribute, returning def if absent.
func (g *Group) OptStr(name, def string) string {
	v, ok := g.Get(name)
	if !ok {
		return def
	}
	s, err := v.Str()
	if err != nil {
		return def
	}
	return s
}

// OptInt extracts an optional integer/enum attribute, returning def if absent.
func (g *Group) OptInt(name string, def int32) int32 {
	v, ok := g.Get(name)
	if !ok {
		return def
	}
	n, err := v.Int()
	if err != nil {
		return def
	}
	return n
}

// Clone returns a deep-enough copy of g suitable for an event snapshot:
// the Attrs slice and each Attribute's Values slice are copied so later
// mutation of the live object does not alter a published snapshot.
func (g Group) Clone() Group {
	out := Group{Attrs: make([]Attribute, len(g.Attrs))}
	for i, a := range g.Attrs {
		out.Attrs[i] = Attribute{Name: a.Name, Values: append([]Value(nil), a.Values...)}
	}
	return out
}
