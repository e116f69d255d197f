// Package signature derives the content-addressed identity of an analysis request.
//
// Two requests that differ only in casing, whitespace, punctuation outside the
// kept set, or the order in which constraints are listed produce the same
// signature.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// Length is the number of hex characters in a signature.
const Length = sha256.Size * 2

const (
	fieldSeparator      = "\n"
	constraintSeparator = "|"
)

var (
	disallowedChars = regexp.MustCompile(`[^\w\s/+\-]`)
	constraintSplit = regexp.MustCompile(`[\n,]+`)
	hexSignature    = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Request holds the user-supplied fields that identify an analysis.
// The same type is stored on cache entries in its normalized form.
type Request struct {
	ProfileID    string `json:"profile_id" bson:"profile_id"`
	Situation    string `json:"situation" bson:"situation"`
	Goal         string `json:"goal" bson:"goal"`
	CurrentSteps string `json:"current_steps" bson:"current_steps"`
	Deadline     string `json:"deadline" bson:"deadline"`
	Stakeholders string `json:"stakeholders" bson:"stakeholders"`
	Resources    string `json:"resources" bson:"resources"`
	Constraints  string `json:"constraints" bson:"constraints"`
}

// NormalizeText trims, lowercases, collapses whitespace and strips every
// character that is not a word character, whitespace, '/', '+' or '-'.
// Any Unicode space (NBSP, em space, \v, NEL) counts as whitespace and
// becomes a single ' ' before stripping, so it never glues words together.
func NormalizeText(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return disallowedChars.ReplaceAllString(s, "")
}

// NormalizeConstraints splits constraints on newlines and commas, normalizes
// each piece, drops empty pieces and joins the sorted result.
func NormalizeConstraints(s string) string {
	pieces := constraintSplit.Split(s, -1)
	kept := make([]string, 0, len(pieces))
	for _, p := range pieces {
		if n := NormalizeText(p); n != "" {
			kept = append(kept, n)
		}
	}
	sort.Strings(kept)
	return strings.Join(kept, constraintSeparator)
}

// Normalize returns a copy of r with every field normalized.
func Normalize(r Request) Request {
	return Request{
		ProfileID:    NormalizeText(r.ProfileID),
		Situation:    NormalizeText(r.Situation),
		Goal:         NormalizeText(r.Goal),
		CurrentSteps: NormalizeText(r.CurrentSteps),
		Deadline:     NormalizeText(r.Deadline),
		Stakeholders: NormalizeText(r.Stakeholders),
		Resources:    NormalizeText(r.Resources),
		Constraints:  NormalizeConstraints(r.Constraints),
	}
}

// Canonical builds the string that is hashed into a signature.
func Canonical(r Request) string {
	n := Normalize(r)
	return strings.Join([]string{
		n.ProfileID,
		n.Situation,
		n.Goal,
		n.CurrentSteps,
		n.Deadline,
		n.Stakeholders,
		n.Resources,
		n.Constraints,
	}, fieldSeparator)
}

// Build returns the lowercase hex SHA-256 digest of the canonical form of r.
func Build(r Request) string {
	sum := sha256.Sum256([]byte(Canonical(r)))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s has the shape of a signature.
func Valid(s string) bool {
	return hexSignature.MatchString(s)
}
