package settlement

import "errors"

var (
	// ErrInvalidRequest covers missing ids in a settle request.
	ErrInvalidRequest = errors.New("invalid settle request")
	// ErrTrackNotFound is returned when the requested track does not exist.
	ErrTrackNotFound = errors.New("track not found")
	// ErrRecordNotFound is returned when a reuse record does not exist.
	ErrRecordNotFound = errors.New("reuse record not found")
	// ErrForbidden is returned when the caller may not act on a record.
	ErrForbidden = errors.New("forbidden")
	// ErrNotResubmittable is returned for records that have not failed.
	ErrNotResubmittable = errors.New("only failed records can be resubmitted")
)
