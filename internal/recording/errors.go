package recording

import "errors"

var errShortEvent = errors.New("recording: event array too short")
