package fingerprint

import (
	"fmt"
	"sort"
	"strings"
)

// Tolerance is the policy governing how much hardware drift is permitted
// before two fingerprints no longer match.
type Tolerance int

const (
	// Strict requires every tracked component to match exactly. Used for the
	// initial business binding and when the authority is reachable.
	Strict Tolerance = iota
	// Medium absorbs routine hardware churn: up to MaxDrift components may
	// differ as long as a strict majority still agrees.
	Medium
	// Loose compares only the partial hash prefix. Last line of defense on
	// the fastest offline check path; never used for binding.
	Loose
)

func (t Tolerance) String() string {
	switch t {
	case Strict:
		return "strict"
	case Medium:
		return "medium"
	case Loose:
		return "loose"
	default:
		return fmt.Sprintf("tolerance(%d)", int(t))
	}
}

// ParseTolerance converts a configuration string to a Tolerance.
func ParseTolerance(s string) (Tolerance, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return Strict, nil
	case "medium", "":
		return Medium, nil
	case "loose":
		return Loose, nil
	default:
		return Medium, fmt.Errorf("unknown fingerprint tolerance %q", s)
	}
}

// MatchResult reports the outcome of a fingerprint comparison, including
// which components disagreed so the caller can decide between prompting for
// a re-bind and rejecting outright.
type MatchResult struct {
	Matched    bool     `json:"matched"`
	Tolerance  string   `json:"tolerance"`
	Compared   int      `json:"compared"`
	Mismatched []string `json:"mismatched,omitempty"`
}

// Matcher compares fingerprints under a tolerance policy.
type Matcher struct {
	// MaxDrift is the number of components allowed to differ under Medium.
	MaxDrift int
}

// NewMatcher returns a matcher allowing maxDrift differing components under
// Medium tolerance. Values below zero are treated as the default of 1.
func NewMatcher(maxDrift int) *Matcher {
	if maxDrift < 0 {
		maxDrift = 1
	}
	return &Matcher{MaxDrift: maxDrift}
}

// Match compares a reference fingerprint against the current one.
func (m *Matcher) Match(reference, current *Fingerprint, tolerance Tolerance) MatchResult {
	result := MatchResult{Tolerance: tolerance.String()}
	if reference == nil || current == nil {
		return result
	}

	if tolerance == Loose {
		result.Matched = reference.PartialPrefix != "" && reference.PartialPrefix == current.PartialPrefix
		return result
	}

	mismatched := make([]string, 0)
	for _, ref := range reference.Components {
		result.Compared++
		if current.ComponentValue(ref.Name) != ref.Value {
			mismatched = append(mismatched, ref.Name)
		}
	}
	result.Mismatched = mismatched

	switch tolerance {
	case Strict:
		result.Matched = len(mismatched) == 0
	case Medium:
		agreed := result.Compared - len(mismatched)
		withinDrift := len(mismatched) <= m.MaxDrift
		majority := agreed*2 > result.Compared
		exactHash := reference.PrimaryHash == current.PrimaryHash
		result.Matched = withinDrift && (exactHash || majority)
	}
	return result
}

// MatchHashed compares the current fingerprint against a persisted binding,
// which stores only per-component hashes and the primary hash. Semantics are
// identical to Match but mismatches are detected on hashed values.
func (m *Matcher) MatchHashed(refHashes map[string]string, refPrimaryHash string, current *Fingerprint, tolerance Tolerance) MatchResult {
	result := MatchResult{Tolerance: tolerance.String()}
	if current == nil || (len(refHashes) == 0 && refPrimaryHash == "") {
		return result
	}

	if tolerance == Loose {
		prefixLen := PartialPrefixLength
		if len(refPrimaryHash) < prefixLen {
			prefixLen = len(refPrimaryHash)
		}
		result.Matched = prefixLen > 0 && refPrimaryHash[:prefixLen] == current.PartialPrefix
		return result
	}

	mismatched := make([]string, 0)
	for name, refHash := range refHashes {
		result.Compared++
		if HashValue(current.ComponentValue(name)) != refHash {
			mismatched = append(mismatched, name)
		}
	}
	sort.Strings(mismatched)
	result.Mismatched = mismatched

	switch tolerance {
	case Strict:
		result.Matched = result.Compared > 0 && len(mismatched) == 0
	case Medium:
		agreed := result.Compared - len(mismatched)
		withinDrift := len(mismatched) <= m.MaxDrift
		majority := agreed*2 > result.Compared
		exactHash := refPrimaryHash != "" && refPrimaryHash == current.PrimaryHash
		result.Matched = withinDrift && (exactHash || majority)
	}
	return result
}
