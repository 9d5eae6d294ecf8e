package quota

import "errors"

// ErrQuotaExceeded is returned when a reservation would push usage past
// the plan's monthly question limit.
var ErrQuotaExceeded = errors.New("monthly question quota exceeded")
