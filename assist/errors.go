package assist

import "errors"

// ErrEmptyMessage is returned when a turn arrives with no usable text.
var ErrEmptyMessage = errors.New("assist: empty message")

// ErrNoUser is returned when a turn arrives without a user reference.
var ErrNoUser = errors.New("assist: missing user id")
