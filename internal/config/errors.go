package config

import "errors"

// Sentinel errors for configuration resolution. Callers match them with
// errors.Is; the wrapped message names the offending field.
var (
	ErrMissingRequiredOption  = errors.New("missing required option")
	ErrIllegalOverride        = errors.New("project-only option set in target config")
	ErrInvalidFieldFormat     = errors.New("invalid field format")
	ErrInvalidRecipientFormat = errors.New("invalid recipient format")
)
