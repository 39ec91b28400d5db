// Package lens is a sequential lens model with conic surfaces, constant-index
// materials and first-order (paraxial) operands. It implements
// optimization.Model.
package lens

import (
	"fmt"
	"math"

	"github.com/copyleftdev/lensopt/internal/optimization"
)

// SurfaceSpec describes one surface in a lens document. Surface 0 is the
// object and the last surface is the image.
type SurfaceSpec struct {
	// Radius of curvature; zero means flat.
	Radius float64 `yaml:"radius,omitempty" json:"radius,omitempty"`
	// Thickness is the axial distance to the next surface.
	Thickness float64 `yaml:"thickness,omitempty" json:"thickness,omitempty"`
	Conic     float64 `yaml:"conic,omitempty" json:"conic,omitempty"`
	// Material fills the space after the surface. Empty means air.
	Material     string  `yaml:"material,omitempty" json:"material,omitempty"`
	SemiDiameter float64 `yaml:"semi_diameter,omitempty" json:"semi_diameter,omitempty"`
	Stop         bool    `yaml:"stop,omitempty" json:"stop,omitempty"`
}

// Spec describes a lens.
type Spec struct {
	Surfaces []SurfaceSpec `yaml:"surfaces" json:"surfaces"`
	// EntrancePupil is the entrance pupil diameter.
	EntrancePupil float64 `yaml:"entrance_pupil,omitempty" json:"entrance_pupil,omitempty"`
}

type surface struct {
	radius       float64
	thickness    float64
	conic        float64
	material     string
	index        float64
	semiDiameter float64
	stop         bool
}

// Lens is a mutable sequential lens. It is not safe for concurrent use; use
// Clone to give each goroutine its own copy.
type Lens struct {
	surfaces      []surface
	entrancePupil float64
}

var _ optimization.Model = (*Lens)(nil)

// New builds a lens from spec. At least one refracting surface between the
// object and the image is required.
func New(spec Spec) (*Lens, error) {
	if len(spec.Surfaces) < 3 {
		return nil, fmt.Errorf("lens needs an object, an image and at least one surface, got %d surfaces", len(spec.Surfaces))
	}
	l := &Lens{
		surfaces:      make([]surface, len(spec.Surfaces)),
		entrancePupil: spec.EntrancePupil,
	}
	for i, s := range spec.Surfaces {
		n, err := Index(s.Material)
		if err != nil {
			return nil, fmt.Errorf("surface %d: %w", i, err)
		}
		if math.IsNaN(s.Radius) || math.IsNaN(s.Thickness) || math.IsNaN(s.Conic) {
			return nil, fmt.Errorf("surface %d: NaN parameter", i)
		}
		if s.SemiDiameter < 0 {
			return nil, fmt.Errorf("surface %d: negative semi-diameter %g", i, s.SemiDiameter)
		}
		r := s.Radius
		if r == 0 {
			r = math.Inf(1)
		}
		l.surfaces[i] = surface{
			radius:       r,
			thickness:    s.Thickness,
			conic:        s.Conic,
			material:     s.Material,
			index:        n,
			semiDiameter: s.SemiDiameter,
			stop:         s.Stop,
		}
	}
	return l, nil
}

// Spec returns the current state of the lens as a spec. Flat surfaces have a
// zero radius.
func (l *Lens) Spec() Spec {
	out := Spec{Surfaces: make([]SurfaceSpec, len(l.surfaces)), EntrancePupil: l.entrancePupil}
	for i, s := range l.surfaces {
		r := s.radius
		if math.IsInf(r, 0) {
			r = 0
		}
		out.Surfaces[i] = SurfaceSpec{
			Radius:       r,
			Thickness:    s.thickness,
			Conic:        s.conic,
			Material:     s.material,
			SemiDiameter: s.semiDiameter,
			Stop:         s.stop,
		}
	}
	return out
}

// NumSurfaces returns the number of surfaces, object and image included.
func (l *Lens) NumSurfaces() int { return len(l.surfaces) }

func (l *Lens) checkSurface(i int) error {
	if i < 0 || i >= len(l.surfaces) {
		return fmt.Errorf("%w: surface %d out of range [0, %d)", optimization.ErrInvalidReference, i, len(l.surfaces))
	}
	return nil
}

// Parameter returns a design parameter. Flat surfaces report an infinite
// radius.
func (l *Lens) Parameter(kind optimization.ParameterKind, i int) (float64, error) {
	if err := l.checkSurface(i); err != nil {
		return 0, err
	}
	s := &l.surfaces[i]
	switch kind {
	case optimization.ParamThickness:
		return s.thickness, nil
	case optimization.ParamRadius:
		return s.radius, nil
	case optimization.ParamConic:
		return s.conic, nil
	}
	return 0, fmt.Errorf("unknown parameter %q", kind)
}

// SetParameter writes a design parameter. A zero radius makes the surface flat.
func (l *Lens) SetParameter(kind optimization.ParameterKind, i int, v float64) error {
	if err := l.checkSurface(i); err != nil {
		return err
	}
	if math.IsNaN(v) {
		return fmt.Errorf("surface %d: NaN %s", i, kind)
	}
	s := &l.surfaces[i]
	switch kind {
	case optimization.ParamThickness:
		s.thickness = v
	case optimization.ParamRadius:
		if v == 0 {
			v = math.Inf(1)
		}
		s.radius = v
	case optimization.ParamConic:
		s.conic = v
	default:
		return fmt.Errorf("unknown parameter %q", kind)
	}
	return nil
}

// Sag returns the axial departure of surface i at (x, y) from its vertex
// plane.
func (l *Lens) Sag(i int, x, y float64) (float64, error) {
	if err := l.checkSurface(i); err != nil {
		return 0, err
	}
	s := &l.surfaces[i]
	if math.IsInf(s.radius, 0) {
		return 0, nil
	}
	c := 1 / s.radius
	r2 := x*x + y*y
	arg := 1 - (1+s.conic)*c*c*r2
	if arg < 0 {
		return 0, fmt.Errorf("surface %d: height %g beyond the conic's extent", i, math.Sqrt(r2))
	}
	return c * r2 / (1 + math.Sqrt(arg)), nil
}

// Clone returns an independent copy.
func (l *Lens) Clone() optimization.Model {
	c := &Lens{
		surfaces:      append([]surface(nil), l.surfaces...),
		entrancePupil: l.entrancePupil,
	}
	return c
}
