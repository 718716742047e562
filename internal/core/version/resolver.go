// Package version computes the next semantic package version from the
// latest released-version record. This is part of the Functional Core -
// all functions are pure with no I/O.
package version

import (
	"errors"
	"fmt"
	"strconv"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMalformedVersionRecord is returned when a present field of the
	// latest-version record is not numeric.
	ErrMalformedVersionRecord = errors.New("malformed version record")
)

// =============================================================================
// Types
// =============================================================================

// BuildNext is the fixed build tag applied to every resolved version.
// The platform assigns the real build number when the package version is
// created; this resolver never produces a monotonic counter. Callers that
// need one must supply an external counter.
const BuildNext = "NEXT"

// Defaults used when no release record exists, applied field by field.
const (
	DefaultMajor = 1
	DefaultMinor = 0
	DefaultPatch = 0
)

// Number is an immutable four-field semantic version.
type Number struct {
	Major int
	Minor int
	Patch int
	Build string
}

// String renders the version as "major.minor.patch.build".
func (n Number) String() string {
	return fmt.Sprintf("%d.%d.%d.%s", n.Major, n.Minor, n.Patch, n.Build)
}

// Record is the latest released-version record as reported by the platform.
// Numeric fields arrive as strings in the platform's JSON payloads; an empty
// string means the field is absent.
type Record struct {
	Major      string
	Minor      string
	Patch      string
	IsReleased bool
}

// =============================================================================
// Resolution
// =============================================================================

// Resolve computes the next version number from the latest release record.
// A nil record means no version has ever been created: the defaults apply.
// When the latest version is released, minor is incremented; patch is
// carried through unchanged. Patch is never auto-incremented or reset here -
// it is a manual/hotfix-only field under the current release policy.
func Resolve(latest *Record) (Number, error) {
	if latest == nil {
		return Number{
			Major: DefaultMajor,
			Minor: DefaultMinor,
			Patch: DefaultPatch,
			Build: BuildNext,
		}, nil
	}

	major, err := parseField("major", latest.Major, DefaultMajor)
	if err != nil {
		return Number{}, err
	}
	minor, err := parseField("minor", latest.Minor, DefaultMinor)
	if err != nil {
		return Number{}, err
	}
	patch, err := parseField("patch", latest.Patch, DefaultPatch)
	if err != nil {
		return Number{}, err
	}

	if latest.IsReleased {
		minor++
	}

	return Number{
		Major: major,
		Minor: minor,
		Patch: patch,
		Build: BuildNext,
	}, nil
}

// parseField parses one numeric field, falling back to its default when the
// field is absent. Missing fields default individually, not all-or-nothing.
func parseField(name, value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: field %q = %q", ErrMalformedVersionRecord, name, value)
	}
	return n, nil
}
