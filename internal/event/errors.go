package event

import "errors"

// ErrNoStartDate marks an entity whose start instant cannot be derived.
var ErrNoStartDate = errors.New("entity has no start date")
