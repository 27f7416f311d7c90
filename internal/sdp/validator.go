// Package sdp performs structural validation of session description payloads
// exchanged during offer/answer negotiation. It deliberately checks for the
// presence of mandatory lines rather than parsing the full SDP grammar; the
// negotiation endpoint downstream is the authority on full correctness.
package sdp

import "strings"

// Role marks which side of the offer/answer exchange a payload plays.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// mandatoryPrefixes are the structural lines every usable description carries:
// version, origin, session name, timing and at least one media line.
var mandatoryPrefixes = []string{"v=", "o=", "s=", "t=", "m="}

// directionMarkers are the audio direction attributes accepted for either
// role. Any one marker anywhere in the payload satisfies the check.
var directionMarkers = []string{"a=sendrecv", "a=sendonly", "a=recvonly"}

// ValidRole reports whether raw names a known negotiation role.
func ValidRole(raw string) bool {
	return Role(raw) == RoleOffer || Role(raw) == RoleAnswer
}

// Validate reports whether payload is a structurally plausible session
// description for the given role. It never panics and treats any malformed
// input as invalid.
func Validate(payload string, role Role) bool {
	if payload == "" {
		return false
	}
	if role != RoleOffer && role != RoleAnswer {
		return false
	}
	if !strings.HasPrefix(payload, "v=0") {
		return false
	}
	for _, prefix := range mandatoryPrefixes {
		if !containsLine(payload, prefix) {
			return false
		}
	}
	for _, marker := range directionMarkers {
		if strings.Contains(payload, marker) {
			return true
		}
	}
	return false
}

// containsLine checks for prefix at the start of the payload or of any line.
func containsLine(payload, prefix string) bool {
	if strings.HasPrefix(payload, prefix) {
		return true
	}
	return strings.Contains(payload, "\n"+prefix)
}
