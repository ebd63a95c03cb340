// Package meta defines the dataset metadata model: global info record,
// feature schema, episode index, task table and layout-version registry,
// together with their on-disk persistence.
package meta

import (
	"fmt"
	"sort"

	"github.com/WilbertYuan/lerobot-piper3/core"
)

// Modality tags how a feature's per-frame values are stored.
type Modality string

const (
	// ModalityScalarSeries features store their values inline in chunk files.
	ModalityScalarSeries Modality = "scalar-series"
	// ModalityImageSeries features store their values as per-episode video segments.
	ModalityImageSeries Modality = "image-series"
)

// FeatureDef describes one named signal recorded per frame.
type FeatureDef struct {
	Shape    []int    `json:"shape"`
	DType    string   `json:"dtype"`
	Modality Modality `json:"modality"`
}

// ElemCount returns the number of scalar elements per frame for this feature.
func (d FeatureDef) ElemCount() int {
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

// Schema maps feature names to their definitions. It is fixed per dataset.
type Schema map[string]FeatureDef

// ScalarFeatures returns the scalar-series feature names in sorted order.
// This order defines the frame encoding inside chunk payloads.
func (s Schema) ScalarFeatures() []string {
	names := make([]string, 0, len(s))
	for name, def := range s {
		if def.Modality == ModalityScalarSeries {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ImageFeatures returns the image-series feature names in sorted order.
func (s Schema) ImageFeatures() []string {
	names := make([]string, 0, len(s))
	for name, def := range s {
		if def.Modality == ModalityImageSeries {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// FrameWidth returns the number of float64 values one frame occupies in a
// chunk payload (image-series features contribute nothing).
func (s Schema) FrameWidth() int {
	width := 0
	for _, name := range s.ScalarFeatures() {
		width += s[name].ElemCount()
	}
	return width
}

// Validate checks structural soundness of the schema itself.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("schema has no features")
	}
	for name, def := range s {
		if name == "" {
			return fmt.Errorf("schema contains an unnamed feature")
		}
		switch def.Modality {
		case ModalityScalarSeries, ModalityImageSeries:
		default:
			return fmt.Errorf("feature %q has unknown modality %q", name, def.Modality)
		}
		for _, dim := range def.Shape {
			if dim <= 0 {
				return fmt.Errorf("feature %q has non-positive shape dimension %d", name, dim)
			}
		}
	}
	return nil
}

// CompareSchemas reports every incompatibility between two schemas as a
// SchemaMismatchError. An empty result means the schemas are identical.
func CompareSchemas(a, b Schema) []error {
	var errs []error
	names := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		names[name] = struct{}{}
	}
	for name := range b {
		names[name] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		defA, okA := a[name]
		defB, okB := b[name]
		switch {
		case !okA:
			errs = append(errs, &core.SchemaMismatchError{Feature: name, Reason: "missing from first schema"})
		case !okB:
			errs = append(errs, &core.SchemaMismatchError{Feature: name, Reason: "missing from second schema"})
		case defA.Modality != defB.Modality:
			errs = append(errs, &core.SchemaMismatchError{
				Feature: name,
				Reason:  fmt.Sprintf("modality %q vs %q", defA.Modality, defB.Modality),
			})
		case defA.DType != defB.DType:
			errs = append(errs, &core.SchemaMismatchError{
				Feature: name,
				Reason:  fmt.Sprintf("dtype %q vs %q", defA.DType, defB.DType),
			})
		case !equalShape(defA.Shape, defB.Shape):
			errs = append(errs, &core.SchemaMismatchError{
				Feature: name,
				Reason:  fmt.Sprintf("shape %v vs %v", defA.Shape, defB.Shape),
			})
		}
	}
	return errs
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	for name, def := range s {
		shape := make([]int, len(def.Shape))
		copy(shape, def.Shape)
		out[name] = FeatureDef{Shape: shape, DType: def.DType, Modality: def.Modality}
	}
	return out
}
