package core

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrUnknown             = errors.New("unknown")
	ErrDegenerateViewport  = errors.New("viewport has a zero dimension, frame skipped")
	ErrLivePhysicalObjects = errors.New("physical resources still allocated, destroy them before updating the plan")
	ErrUnknownResource     = errors.New("resource has no physical group")
	ErrDependencyCycle     = errors.New("render graph contains a resource dependency cycle")
	ErrMalformedGraph      = errors.New("render graph metadata is malformed")
	ErrUnsupportedFormat   = errors.New("unsupported format label")
	ErrInvalidConfig       = errors.New("invalid configuration")
)
