package queue

import "errors"

// ErrClosed reports an enqueue on a closed queue.
var ErrClosed = errors.New("repair queue closed")
