package fields

import (
	"fmt"
	"slices"
	"strings"
)

// Schema is an ordered map from path to Field. Top-level schemas are keyed
// by field name; flattened schemas by dotted path.
type Schema struct {
	order  []string
	fields map[string]*Field
}

// NewSchema returns a schema holding fs in order.
func NewSchema(fs ...*Field) *Schema {
	s := &Schema{fields: make(map[string]*Field, len(fs))}
	for _, f := range fs {
		s.Set(f.Name, f)
	}
	return s
}

// Len returns the number of keys.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns the keys in insertion order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.order)
}

// Fields returns the fields in insertion order.
func (s *Schema) Fields() []*Field {
	if s == nil {
		return nil
	}
	out := make([]*Field, len(s.order))
	for i, name := range s.order {
		out[i] = s.fields[name]
	}
	return out
}

// Field returns the field stored under key.
func (s *Schema) Field(key string) (*Field, bool) {
	if s == nil {
		return nil, false
	}
	f, ok := s.fields[key]
	return f, ok
}

// Set stores f under key, keeping the position of an existing key.
func (s *Schema) Set(key string, f *Field) {
	if s.fields == nil {
		s.fields = make(map[string]*Field)
	}
	if _, ok := s.fields[key]; !ok {
		s.order = append(s.order, key)
	}
	s.fields[key] = f
}

// Remove deletes key and reports whether it existed.
func (s *Schema) Remove(key string) bool {
	if _, ok := s.fields[key]; !ok {
		return false
	}
	delete(s.fields, key)
	s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
	return true
}

// Get resolves a dotted path through embedded documents and lists of
// embedded documents.
func (s *Schema) Get(path string) (*Field, bool) {
	if f, ok := s.Field(path); ok {
		return f, true
	}
	parts := strings.Split(path, ".")
	f, ok := s.Field(parts[0])
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		if f, ok = f.Attr(p); !ok {
			return nil, false
		}
	}
	return f, true
}

// ByStoredName returns the top-level field whose stored key is key.
func (s *Schema) ByStoredName(key string) (*Field, bool) {
	if f, ok := s.Field(key); ok && f.StoredName() == key {
		return f, true
	}
	for _, name := range s.order {
		if f := s.fields[name]; f.StoredName() == key {
			return f, true
		}
	}
	return nil, false
}

// Add declares f at path. The parent of a nested path must already be
// declared as an embedded document.
func (s *Schema) Add(path string, f *Field) error {
	parent, leaf := SplitParent(path)
	f.Name = leaf
	if parent == "" {
		s.Set(leaf, f)
		return nil
	}
	pf, ok := s.Get(parent)
	if !ok {
		return fmt.Errorf("%w: %q must be declared before %q", ErrMissingAncestor, parent, path)
	}
	if pf.Element() == nil {
		return fmt.Errorf("%w: %q is a %s, not an embedded document", ErrInvalidField, parent, pf.Describe())
	}
	pf.setAttr(f)
	return nil
}

// Delete removes the field at path, nested or top-level.
func (s *Schema) Delete(path string) bool {
	parent, leaf := SplitParent(path)
	if parent == "" {
		return s.Remove(leaf)
	}
	pf, ok := s.Get(parent)
	if !ok {
		return false
	}
	return pf.deleteAttr(leaf)
}

// Clone returns a deep copy of s.
func (s *Schema) Clone() *Schema {
	out := &Schema{fields: make(map[string]*Field, s.Len())}
	for _, name := range s.Names() {
		out.Set(name, s.fields[name].Clone())
	}
	return out
}

// Flatten returns every declared path, parents before children, keyed by
// dotted path.
func (s *Schema) Flatten() *Schema {
	out := &Schema{fields: make(map[string]*Field)}
	var walk func(prefix string, f *Field)
	walk = func(prefix string, f *Field) {
		out.Set(prefix, f)
		if doc := f.Element(); doc != nil {
			for _, a := range doc.Fields {
				walk(prefix+"."+a.Name, a)
			}
		}
	}
	for _, name := range s.Names() {
		walk(name, s.fields[name])
	}
	return out
}

// FilterOptions narrows a schema listing.
type FilterOptions struct {
	// Kinds keeps only fields of these kinds; List fields also match
	// on their element kind.
	Kinds []Kind

	// DocTypes keeps only embedded fields of these document types.
	DocTypes []string

	// ReadOnly keeps only fields with this read-only flag when set.
	ReadOnly *bool

	IncludePrivate bool

	// Flat returns dotted paths for every nested field.
	Flat bool
}

// Filter returns the fields of s matching opts.
func (s *Schema) Filter(opts FilterOptions) *Schema {
	src := s
	if opts.Flat {
		src = s.Flatten()
	}
	out := &Schema{fields: make(map[string]*Field)}
	for _, key := range src.order {
		f := src.fields[key]
		if !opts.IncludePrivate && isPrivatePath(key) {
			continue
		}
		if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, f.Kind) &&
			!(f.Kind == List && f.Subfield != nil && slices.Contains(opts.Kinds, f.Subfield.Kind)) {
			continue
		}
		if len(opts.DocTypes) > 0 {
			doc := f.Element()
			if doc == nil || !slices.Contains(opts.DocTypes, doc.DocType) {
				continue
			}
		}
		if opts.ReadOnly != nil && f.ReadOnly != *opts.ReadOnly {
			continue
		}
		out.Set(key, f)
	}
	return out
}

func isPrivatePath(path string) bool {
	for _, p := range strings.Split(path, ".") {
		if strings.HasPrefix(p, "_") {
			return true
		}
	}
	return false
}

// SplitParent splits "a.b.c" into ("a.b", "c").
func SplitParent(path string) (string, string) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// Depth returns the number of components of path.
func Depth(path string) int {
	return strings.Count(path, ".") + 1
}

// SortShallowestFirst groups paths into waves of equal depth, shallowest
// first, so every parent is declared in an earlier wave than its children.
// Order within a wave is preserved.
func SortShallowestFirst(paths []string) [][]string {
	byDepth := map[int][]string{}
	var depths []int
	for _, p := range paths {
		d := Depth(p)
		if _, ok := byDepth[d]; !ok {
			depths = append(depths, d)
		}
		byDepth[d] = append(byDepth[d], p)
	}
	slices.Sort(depths)
	waves := make([][]string, len(depths))
	for i, d := range depths {
		waves[i] = byDepth[d]
	}
	return waves
}
