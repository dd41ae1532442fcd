package payload

import (
	"fmt"

	licenseErrors "desklicense/internal/errors"
)

// Edition is the product tier a license grants.
type Edition string

const (
	EditionBasic      Edition = "Basic"
	EditionStandard   Edition = "Standard"
	EditionPro        Edition = "Pro"
	EditionEnterprise Edition = "Enterprise"
)

// Editions lists every tier in ascending order.
func Editions() []Edition {
	return []Edition{EditionBasic, EditionStandard, EditionPro, EditionEnterprise}
}

// Valid reports whether e is a known tier. Matching is case-sensitive.
func (e Edition) Valid() bool {
	switch e {
	case EditionBasic, EditionStandard, EditionPro, EditionEnterprise:
		return true
	}
	return false
}

// ParseEdition validates s as an Edition.
func ParseEdition(s string) (Edition, error) {
	e := Edition(s)
	if !e.Valid() {
		return "", fmt.Errorf("%w: unknown edition %q", licenseErrors.ErrInvalidRequest, s)
	}
	return e, nil
}
