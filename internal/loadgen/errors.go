package loadgen

import "errors"

// ErrVerification reports a broken ranking or slot invariant.
var ErrVerification = errors.New("verification failed")
