package session

import (
	"fmt"
	"strings"
)

// Identity is the capability bitmask granted to a session.
type Identity int32

const (
	IdentityNone      Identity = 0
	IdentityQuery     Identity = 1
	IdentityReadFile  Identity = 2
	IdentityWriteFile Identity = 4
	IdentityRemoteRun Identity = 8
	IdentityAll       Identity = IdentityQuery | IdentityReadFile | IdentityWriteFile | IdentityRemoteRun
)

var identityNames = []struct {
	flag Identity
	name string
}{
	{IdentityQuery, "query"},
	{IdentityReadFile, "read"},
	{IdentityWriteFile, "write"},
	{IdentityRemoteRun, "run"},
}

// Has reports whether every bit of flag is granted.
func (i Identity) Has(flag Identity) bool {
	return i&flag == flag
}

// String renders the mask as "query|read".
func (i Identity) String() string {
	switch i {
	case IdentityNone:
		return "none"
	case IdentityAll:
		return "all"
	}
	var parts []string
	for _, n := range identityNames {
		if i&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := i &^ IdentityAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", int32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseIdentity accepts "all", "none" or a list of capability names
// separated by commas or pipes.
func ParseIdentity(s string) (Identity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "none":
		return IdentityNone, nil
	case "all":
		return IdentityAll, nil
	}
	var id Identity
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' || r == ' ' }) {
		found := false
		for _, n := range identityNames {
			if field == n.name {
				id |= n.flag
				found = true
				break
			}
		}
		if !found {
			return IdentityNone, fmt.Errorf("unknown capability %q", field)
		}
	}
	return id, nil
}
