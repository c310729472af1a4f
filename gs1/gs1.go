// Package gs1 holds the GS1 identifier helpers behind the EPCIS MATCH_*
// parameters: pattern validation, SQL prefix lowering, and class-level
// (epcClass) derivation from instance-level EPC URNs.
package gs1

import (
	"fmt"
	"strings"
)

// ClassLevel derives the class-level identifier of an instance-level EPC by
// dropping the serial segment. Used to answer MATCH_epcClass /
// MATCH_anyEPCClass against instance EPCs.
//
//	urn:epc:id:sgtin:0368462.050165.123456 -> urn:epc:class:lgtin:0368462.050165
//	urn:epc:idpat:sgtin:0368462.050165.*   -> urn:epc:class:lgtin:0368462.050165
//
// Identifiers that are already class-level (urn:epc:class:...) are returned
// unchanged; anything else returns "".
func ClassLevel(epc string) string {
	if strings.HasPrefix(epc, "urn:epc:class:") {
		return epc
	}

	for _, scheme := range []string{"sgtin", "sscc", "grai"} {
		for _, prefix := range []string{"urn:epc:id:", "urn:epc:idpat:"} {
			full := prefix + scheme + ":"
			rest, found := strings.CutPrefix(epc, full)
			if !found {
				continue
			}
			segments := strings.Split(rest, ".")
			if len(segments) < 2 {
				return ""
			}
			// sgtin class form is lgtin per CBV; other schemes keep their name.
			className := scheme
			if scheme == "sgtin" {
				className = "lgtin"
			}
			return fmt.Sprintf("urn:epc:class:%s:%s.%s", className, segments[0], segments[1])
		}
	}
	return ""
}

// ValidPattern reports whether a MATCH_* value is syntactically acceptable:
// at most one "*", and only in the final position.
func ValidPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	if i := strings.Index(pattern, "*"); i >= 0 && i != len(pattern)-1 {
		return false
	}
	return strings.Count(pattern, "*") <= 1
}

// PatternToSQLPrefix converts a MATCH_* pattern to (prefix, isPrefixMatch)
// for translation into a SQL LIKE or equality predicate. The caller escapes
// LIKE metacharacters for its engine.
func PatternToSQLPrefix(pattern string) (string, bool) {
	if prefix, found := strings.CutSuffix(pattern, "*"); found {
		return prefix, true
	}
	return pattern, false
}
