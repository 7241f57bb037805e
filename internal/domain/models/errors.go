package models

import (
	"errors"

	"CoordScope/pkg/config"
)

// Error kinds. Component-local kinds surface as status fields; only configuration errors abort.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrNonConvergence   = errors.New("estimation did not converge")
	ErrDegenerateInput  = errors.New("degenerate input")
	ErrTimeout          = errors.New("cycle budget exceeded")
	ErrConfiguration    = config.ErrInvalid
	ErrNotFound         = errors.New("not found")
)
