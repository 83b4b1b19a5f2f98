package geometry

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrInvalidGeometry matches every *InvalidGeometryError via errors.Is.
var ErrInvalidGeometry = eris.New("invalid geometry")

// InvalidGeometryError reports a boundary that cannot be analysed: missing
// coordinates, too few vertices, non-numeric or out-of-range values.
type InvalidGeometryError struct {
	Reason string
}

func (e *InvalidGeometryError) Error() string {
	return "invalid geometry: " + e.Reason
}

// Is lets errors.Is(err, ErrInvalidGeometry) succeed for any reason.
func (e *InvalidGeometryError) Is(target error) bool {
	return target == ErrInvalidGeometry
}

func invalidf(format string, args ...interface{}) error {
	return &InvalidGeometryError{Reason: fmt.Sprintf(format, args...)}
}
