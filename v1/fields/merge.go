package fields

import "fmt"

// MergeOptions control how a candidate declaration is reconciled with an
// existing one.
type MergeOptions struct {
	// Expand allows new fields and new embedded attributes.
	Expand bool

	// Recursive merges the attributes of embedded documents.
	Recursive bool

	// Validate reports kind conflicts as errors instead of ignoring them.
	Validate bool
}

// Merge reconciles candidate into existing in place and reports whether
// existing changed. An Unknown existing field is promoted to the
// candidate's kind; otherwise a differing, incompatible kind is a
// *SchemaError when opts.Validate is set.
func Merge(existing, candidate *Field, opts MergeOptions) (bool, error) {
	return merge(existing, candidate, existing.Name, opts)
}

func merge(existing, cand *Field, path string, opts MergeOptions) (bool, error) {
	if cand == nil || cand.Kind == Unknown {
		return false, nil
	}
	if existing.Kind == Unknown {
		promote(existing, cand)
		return true, nil
	}
	if existing.Kind != cand.Kind {
		if compatible(existing, cand) {
			return false, nil
		}
		return conflict(existing, cand, path, opts)
	}

	switch existing.Kind {
	case List, Dict:
		if cand.Subfield == nil {
			return false, nil
		}
		if existing.Subfield == nil {
			existing.Subfield = cand.Subfield.Clone()
			return true, nil
		}
		// a generic element type accepts everything
		if existing.Subfield.Kind == Unknown {
			return false, nil
		}
		return merge(existing.Subfield, cand.Subfield, path, opts)
	case Embedded:
		return mergeEmbedded(existing, cand, path, opts)
	}
	return false, nil
}

func mergeEmbedded(existing, cand *Field, path string, opts MergeOptions) (bool, error) {
	changed := false
	switch {
	case cand.DocType == "" || cand.DocType == existing.DocType:
	case existing.DocType == "":
		existing.DocType = cand.DocType
		changed = true
	default:
		return conflict(existing, cand, path, opts)
	}
	if !opts.Recursive {
		return changed, nil
	}
	for _, attr := range cand.Fields {
		ea, ok := existing.Attr(attr.Name)
		if !ok {
			if opts.Expand {
				existing.setAttr(attr.Clone())
				changed = true
			}
			continue
		}
		c, err := merge(ea, attr, path+"."+attr.Name, opts)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

func conflict(existing, cand *Field, path string, opts MergeOptions) (bool, error) {
	if !opts.Validate {
		return false, nil
	}
	return false, &SchemaError{Path: path, Existing: existing.Describe(), Incoming: cand.Describe()}
}

func promote(existing, cand *Field) {
	c := cand.Clone()
	existing.Kind = c.Kind
	existing.Subfield = c.Subfield
	existing.DocType = c.DocType
	existing.Fields = c.Fields
}

// compatible reports whether values of cand are valid values of existing
// even though the kinds differ.
func compatible(existing, cand *Field) bool {
	switch existing.Kind {
	case Float:
		return cand.Kind == Int
	case Date, DateTime:
		return cand.Kind == Date || cand.Kind == DateTime
	case Vector:
		return cand.Kind == List && (cand.Subfield == nil || isNumeric(cand.Subfield.Kind))
	case List:
		return cand.Kind == Vector && (existing.Subfield == nil || isNumeric(existing.Subfield.Kind))
	case FrameSupport:
		return cand.Kind == List && (cand.Subfield == nil || cand.Subfield.Kind == Int)
	}
	return false
}

func isNumeric(k Kind) bool { return k == Int || k == Float }

// MergeField merges candidate into the field at path. An undeclared path
// is added when opts.Expand is set; its parent must exist.
func (s *Schema) MergeField(path string, candidate *Field, opts MergeOptions) (bool, error) {
	existing, ok := s.Get(path)
	if !ok {
		if !opts.Expand {
			if opts.Validate {
				return false, fmt.Errorf("%w: field %q does not exist", ErrSchemaViolation, path)
			}
			return false, nil
		}
		if err := s.Add(path, candidate.Clone()); err != nil {
			return false, err
		}
		return true, nil
	}
	return merge(existing, candidate, path, opts)
}

// MergeSchema merges every field of other into s, shallowest paths first.
func (s *Schema) MergeSchema(other *Schema, opts MergeOptions) (bool, error) {
	expanded := false
	for _, wave := range SortShallowestFirst(other.Names()) {
		for _, path := range wave {
			f, _ := other.Field(path)
			c, err := s.MergeField(path, f, opts)
			if err != nil {
				return expanded, err
			}
			expanded = expanded || c
		}
	}
	return expanded, nil
}
