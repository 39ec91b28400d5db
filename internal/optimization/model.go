package optimization

// ParameterKind names a stored, per-surface quantity of the optical model.
type ParameterKind string

const (
	// ParamThickness is the axial distance from a surface to the next one.
	ParamThickness ParameterKind = "thickness"
	// ParamRadius is the vertex radius of curvature of a surface.
	ParamRadius ParameterKind = "radius"
	// ParamConic is the conic constant of a surface.
	ParamConic ParameterKind = "conic"
)

// Model is the optical system a Problem reads and writes. Implementations are
// not required to be safe for concurrent use; parallel optimizers work on
// clones obtained from Clone.
type Model interface {
	// NumSurfaces returns the number of surfaces, object and image included.
	NumSurfaces() int

	// Parameter returns a stored physical quantity of a surface.
	Parameter(kind ParameterKind, surface int) (float64, error)

	// SetParameter writes a stored physical quantity of a surface.
	SetParameter(kind ParameterKind, surface int, value float64) error

	// Sag returns the axial height of a surface at (x, y) relative to its vertex.
	Sag(surface int, x, y float64) (float64, error)

	// ValidateOperand reports whether an operand kind and its inputs can be
	// evaluated against this model.
	ValidateOperand(kind string, in Inputs) error

	// EvaluateOperand returns the raw value of an operand for the model's
	// current state.
	EvaluateOperand(kind string, in Inputs) (float64, error)

	// Clone returns an independent deep copy of the model.
	Clone() Model
}

// Inputs is the bundle an operand hands to the model's evaluator.
// Fields that an operand kind does not use are ignored.
type Inputs struct {
	Surface      int     `yaml:"surface,omitempty" json:"surface,omitempty"`
	Radius       float64 `yaml:"radius,omitempty" json:"radius,omitempty"`
	Hx           float64 `yaml:"hx,omitempty" json:"hx,omitempty"`
	Hy           float64 `yaml:"hy,omitempty" json:"hy,omitempty"`
	Wavelength   float64 `yaml:"wavelength,omitempty" json:"wavelength,omitempty"`
	NumRays      int     `yaml:"num_rays,omitempty" json:"num_rays,omitempty"`
	Distribution string  `yaml:"distribution,omitempty" json:"distribution,omitempty"`
}
