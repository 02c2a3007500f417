package controlnet

import "errors"

var (
	// ErrConfiguration reports an invalid construction-time configuration or
	// a first-use violation of one, such as projecting through a
	// pass-through block.
	ErrConfiguration = errors.New("controlnet: invalid configuration")

	// ErrInputShape reports a per-call tensor whose shape violates the
	// contract.
	ErrInputShape = errors.New("controlnet: invalid input shape")

	// ErrUnsupportedFeature reports a requested feature with no
	// implementation, such as scalar conditioning features.
	ErrUnsupportedFeature = errors.New("controlnet: unsupported feature")
)
