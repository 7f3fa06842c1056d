package slot

import "errors"

// ErrAllocation wraps every store failure seen while deciding slot ownership.
var ErrAllocation = errors.New("slot allocation failed")
