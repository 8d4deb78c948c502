package router

import "errors"

var (
	ErrRouteRuleInvalid = errors.New("router: invalid route rule")
	ErrDuplicateRule    = errors.New("router: duplicate rule id")
	ErrRuleUnknown      = errors.New("router: unknown rule")
	ErrAlreadyBound     = errors.New("router: already bound")
)
