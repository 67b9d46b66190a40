package registry

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks an assignment decoded from an external source. An
// unassigned value is always valid; port entries must name a container port
// and a known protocol.
func (a Assignment) Validate() error {
	if a.Unassigned() {
		if len(a.Ports) > 0 {
			return fmt.Errorf("%w: ports given without an image", ErrInvalidResponse)
		}
		return nil
	}
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
