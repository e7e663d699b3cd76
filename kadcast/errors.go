package kadcast

import "errors"

// ErrSelf is returned when an operation targets the table's own id, which
// is never stored in any bucket.
var ErrSelf = errors.New("kadcast: id equals self")
