// Package shader compiles and caches shader programs. Programs are
// keyed by (template id, variant name): a template holds the vertex
// and fragment source text plus the variants it supports, and the
// cache preprocesses, compiles and links a variant on first request,
// serving the same compiled program on every later request until it
// is evicted.
package shader

import (
	"errors"
	"fmt"

	"github.com/gogpu/renderopt/backend"
)

// Template definition errors.
var (
	// ErrInvalidTemplate is returned by Validate for an unusable
	// template definition.
	ErrInvalidTemplate = errors.New("shader: invalid template")
)

// Variant is a named build configuration of a template. Each define
// becomes a preprocessor symbol in both shader stages, so the same
// source text yields different compiled programs per variant.
type Variant struct {
	// Name identifies the variant within its template.
	Name string

	// Defines maps preprocessor symbol to value. A symbol with an
	// empty value is defined without one.
	Defines map[string]string

	// Features are free-form capability tags for callers that select
	// variants by feature rather than by name.
	Features []string
}

// HasFeature reports whether the variant declares the given tag.
func (v Variant) HasFeature(tag string) bool {
	for _, f := range v.Features {
		if f == tag {
			return true
		}
	}
	return false
}

// Template is a named pair of shader sources plus its declared
// variants. The empty variant name is always valid and compiles the
// sources with no defines.
type Template struct {
	// ID is the stable template identifier.
	ID string

	// VertexSource and FragmentSource are the raw (unpreprocessed)
	// stage sources.
	VertexSource   string
	FragmentSource string

	// Variants lists the declared build configurations. Order matters:
	// precompilation takes variants from the front.
	Variants []Variant

	// DefaultUniforms are the uniform values a freshly bound program
	// should start from.
	DefaultUniforms map[string]backend.UniformValue
}

// Validate checks that the template can be registered.
func (t *Template) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTemplate)
	}
	if t.VertexSource == "" || t.FragmentSource == "" {
		return fmt.Errorf("%w: template %q is missing a stage source", ErrInvalidTemplate, t.ID)
	}
	seen := make(map[string]struct{}, len(t.Variants))
	for _, v := range t.Variants {
		if v.Name == "" {
			return fmt.Errorf("%w: template %q declares an unnamed variant", ErrInvalidTemplate, t.ID)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("%w: template %q declares variant %q twice", ErrInvalidTemplate, t.ID, v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	return nil
}

// variant resolves a variant by name. The empty name resolves to the
// implicit base variant with no defines.
func (t *Template) variant(name string) (Variant, bool) {
	if name == "" {
		return Variant{}, true
	}
	for _, v := range t.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return Variant{}, false
}
