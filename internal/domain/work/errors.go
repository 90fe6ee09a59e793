package work

import "errors"

// ErrUnprocessable marks an item that can never be processed successfully,
// such as a file the server reports as missing. A worker reports a zero
// count for such items instead of handing them back for another attempt.
var ErrUnprocessable = errors.New("item cannot be processed")
