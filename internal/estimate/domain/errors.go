package domain

import "errors"

var (
	ErrInvalidTenant     = errors.New("invalid tenant")
	ErrInvalidEstimateID = errors.New("invalid estimate id")
)
