package update

import "errors"

// ErrLocked signals that a submission arrived while another update job is
// in flight. The rejected submission mutates nothing.
var ErrLocked = errors.New("another update is already in flight")
