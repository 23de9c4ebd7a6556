package ids

import "github.com/segmentio/ksuid"

// New returns a k-sortable identifier, so ids created later compare greater.
func New() string {
	return ksuid.New().String()
}
