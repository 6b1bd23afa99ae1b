package capability

import (
	"errors"
	"fmt"
	"strings"
)

// Tagged validation and lifecycle errors. Callers branch on these with
// errors.Is / errors.As; the engine never panics for an expected failure.
var (
	ErrNotFound                = errors.New("capability not found")
	ErrRevoked                 = errors.New("capability revoked")
	ErrExpired                 = errors.New("capability expired")
	ErrUsageLimitExceeded      = errors.New("capability usage limit exceeded")
	ErrWrongResourceType       = errors.New("wrong resource type")
	ErrTenantMismatch          = errors.New("resource tenant mismatch")
	ErrDelegationNotAllowed    = errors.New("delegation not allowed")
	ErrDelegationDepthExceeded = errors.New("delegation chain depth exceeded")
	ErrProcessDenied           = errors.New("process not permitted by capability")
	ErrOutsideTimeWindow       = errors.New("outside capability time window")
	ErrQuotaExceeded           = errors.New("per-process capability quota exceeded")
)

// InsufficientRightsError reports which required rights the capability lacks.
type InsufficientRightsError struct {
	Missing []string
}

func (e *InsufficientRightsError) Error() string {
	return fmt.Sprintf("insufficient rights: missing %s", strings.Join(e.Missing, ", "))
}

// Is makes errors.Is(err, ErrInsufficientRights) work for the typed error.
func (e *InsufficientRightsError) Is(target error) bool {
	return target == ErrInsufficientRights
}

// ErrInsufficientRights is the sentinel matched by InsufficientRightsError.
var ErrInsufficientRights = errors.New("insufficient rights")
