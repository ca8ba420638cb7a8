package models

import (
	"fmt"
	"strings"
)

// Machine represents a session-host machine as reported by the broker
// control plane. Power state, maintenance flag, and session count are
// observed values; they go stale and must be re-fetched before any
// decision is made against them.
type Machine struct {
	Name          string `json:"name"`
	DNSName       string `json:"dns_name"`
	PowerState    string `json:"power_state"`
	InMaintenance bool   `json:"in_maintenance"`
	SessionCount  int    `json:"session_count"`
}

// Session represents a live user session on a machine.
type Session struct {
	ID       string `json:"id"`
	UserName string `json:"user_name"`
	State    string `json:"state"`
}

// PowerStateOn is the broker's value for a powered-on machine.
const PowerStateOn = "on"

// Parity classifies machines by the even/odd value of the trailing
// digit in their name.
type Parity int

const (
	Even Parity = iota
	Odd
)

// ParseParity interprets s as a parity selector. Matching is
// case-insensitive; anything other than EVEN or ODD is an error.
func ParseParity(s string) (Parity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EVEN":
		return Even, nil
	case "ODD":
		return Odd, nil
	default:
		return 0, fmt.Errorf("unrecognized parity %q (want EVEN or ODD)", s)
	}
}

func (p Parity) String() string {
	if p == Odd {
		return "ODD"
	}
	return "EVEN"
}

// Matches reports whether the machine name belongs to this parity:
// the name is non-empty, its last character is a decimal digit, and
// that digit's value mod 2 equals the parity (0 = even, 1 = odd).
// Names ending in a non-digit belong to neither parity.
func (p Parity) Matches(name string) bool {
	if name == "" {
		return false
	}
	last := name[len(name)-1]
	if last < '0' || last > '9' {
		return false
	}
	return int(last-'0')%2 == int(p)
}
