package generation

import (
	"errors"
	"fmt"

	"github.com/quizmith/server/internal/module/access"
)

// ErrGenerationFailed is returned when the language model call fails.
// Reserved quota has already been returned when this surfaces.
var ErrGenerationFailed = errors.New("question generation failed")

// AccessError carries the denial decision for a refused request.
type AccessError struct {
	Decision access.Decision
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Decision.Detail)
}
