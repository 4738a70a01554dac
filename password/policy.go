package password

import "unicode"

// Policy is the strength rule set applied to candidate passwords.
type Policy struct {
	MinLength    int
	MaxLength    int
	HistoryDepth int
}

// ValidateStrength checks the candidate against every rule and returns one
// message per violated rule, so clients can show precise feedback. An empty
// slice means the candidate is acceptable.
func (p Policy) ValidateStrength(candidate string) []string {
	var violations []string

	if len(candidate) < p.MinLength {
		violations = append(violations, "password must be at least 12 characters")
	}
	if p.MaxLength > 0 && len(candidate) > p.MaxLength {
		violations = append(violations, "password must be at most 200 characters")
	}

	var upper, lower, digit, special bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper {
		violations = append(violations, "password must contain an uppercase letter")
	}
	if !lower {
		violations = append(violations, "password must contain a lowercase letter")
	}
	if !digit {
		violations = append(violations, "password must contain a digit")
	}
	if !special {
		violations = append(violations, "password must contain a special character")
	}

	return violations
}

// InHistory reports whether the candidate matches any stored hash, using the
// hasher's verify routine for each entry.
func (p Policy) InHistory(h *Hasher, candidate string, history []string) (bool, error) {
	for _, stored := range history {
		match, err := h.Verify(candidate, stored)
		if err != nil {
			// Corrupt entries in history cannot match; skip rather than block
			// the password change on unreadable legacy data.
			continue
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// AppendHistory appends the retired hash and evicts from the front so the
// result holds at most HistoryDepth entries, newest last.
func (p Policy) AppendHistory(retiredHash string, history []string) []string {
	depth := p.HistoryDepth
	if depth < 1 {
		depth = 1
	}

	out := make([]string, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, retiredHash)
	if len(out) > depth {
		out = out[len(out)-depth:]
	}
	return out
}
