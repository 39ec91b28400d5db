package lens

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// errAfocal is returned for first-order quantities of a zero-power system.
var errAfocal = errors.New("system is afocal")

// SystemMatrix returns the paraxial ray-transfer matrix from the first
// refracting surface to the last one, acting on (height, reduced angle).
func (l *Lens) SystemMatrix() *mat.Dense {
	sys := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	last := len(l.surfaces) - 2
	for i := 1; i <= last; i++ {
		s := &l.surfaces[i]
		power := (s.index - l.surfaces[i-1].index) * curvature(s.radius)

		var next mat.Dense
		next.Mul(mat.NewDense(2, 2, []float64{1, 0, -power, 1}), sys)
		sys = &next

		if i < last {
			var moved mat.Dense
			moved.Mul(mat.NewDense(2, 2, []float64{1, s.thickness / s.index, 0, 1}), sys)
			sys = &moved
		}
	}
	return sys
}

func curvature(r float64) float64 {
	if math.IsInf(r, 0) {
		return 0
	}
	return 1 / r
}

func (l *Lens) objectIndex() float64 { return l.surfaces[0].index }

func (l *Lens) imageIndex() float64 { return l.surfaces[len(l.surfaces)-2].index }

// Power returns the optical power of the system.
func (l *Lens) Power() float64 {
	return -l.SystemMatrix().At(1, 0)
}

// FrontFocalLength is the object-space effective focal length, negative for
// a converging system.
func (l *Lens) FrontFocalLength() (float64, error) {
	p := l.Power()
	if p == 0 {
		return 0, errAfocal
	}
	return -l.objectIndex() / p, nil
}

// BackFocalLength is the image-space effective focal length.
func (l *Lens) BackFocalLength() (float64, error) {
	p := l.Power()
	if p == 0 {
		return 0, errAfocal
	}
	return l.imageIndex() / p, nil
}

// BackFocalDistance is the distance from the last refracting surface to the
// back focal point.
func (l *Lens) BackFocalDistance() (float64, error) {
	m := l.SystemMatrix()
	c := m.At(1, 0)
	if c == 0 {
		return 0, errAfocal
	}
	return -m.At(0, 0) * l.imageIndex() / c, nil
}

// FrontFocalDistance is the signed distance from the first refracting
// surface to the front focal point.
func (l *Lens) FrontFocalDistance() (float64, error) {
	m := l.SystemMatrix()
	c := m.At(1, 0)
	if c == 0 {
		return 0, errAfocal
	}
	return m.At(1, 1) * l.objectIndex() / c, nil
}

// TotalTrack is the axial distance from the first refracting surface to the
// image surface.
func (l *Lens) TotalTrack() float64 {
	var sum float64
	for _, s := range l.surfaces[1 : len(l.surfaces)-1] {
		sum += s.thickness
	}
	return sum
}

// EdgeThickness is the distance between surfaces i and i+1 measured parallel
// to the axis at radial height r.
func (l *Lens) EdgeThickness(i int, r float64) (float64, error) {
	if err := l.checkSurface(i + 1); err != nil {
		return 0, err
	}
	front, err := l.Sag(i, 0, r)
	if err != nil {
		return 0, err
	}
	back, err := l.Sag(i+1, 0, r)
	if err != nil {
		return 0, err
	}
	return l.surfaces[i].thickness + back - front, nil
}
