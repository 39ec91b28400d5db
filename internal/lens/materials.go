package lens

import (
	"fmt"
	"strconv"
	"strings"
)

// refractiveIndex holds d-line (587.6 nm) indices of the catalog glasses the
// paraxial model knows about. Dispersion is not modelled.
var refractiveIndex = map[string]float64{
	"air":      1.0,
	"vacuum":   1.0,
	"n-bk7":    1.5168,
	"n-k5":     1.52249,
	"n-baf10":  1.67003,
	"n-f2":     1.62004,
	"n-sf2":    1.64769,
	"n-sf5":    1.67271,
	"n-sf6":    1.80518,
	"n-sf11":   1.78472,
	"n-lak9":   1.69100,
	"n-lasf9":  1.85025,
	"f_silica": 1.45846,
	"caf2":     1.43385,
}

// Index returns the refractive index of a material. An empty name is air;
// a bare number is taken as the index itself.
func Index(material string) (float64, error) {
	name := strings.ToLower(strings.TrimSpace(material))
	if name == "" {
		return 1.0, nil
	}
	if n, ok := refractiveIndex[name]; ok {
		return n, nil
	}
	if n, err := strconv.ParseFloat(name, 64); err == nil {
		if n < 1 {
			return 0, fmt.Errorf("refractive index %g is below 1", n)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unknown material %q", material)
}
