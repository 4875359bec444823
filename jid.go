package jaxmpp

import (
	"errors"
	"fmt"
	"strings"
)

var ErrIncorrectJidEncoding = errors.New("incorrect jid encoding")

type JID struct {
	Username string
	Domain   string
	Resource string
}

// ParseJID accepts user@domain/resource with optional user and resource
// parts.
func ParseJID(src string, jid *JID) error {
	*jid = JID{}
	rest := src
	if idx := strings.Index(rest, "/"); idx >= 0 {
		jid.Resource = rest[idx+1:]
		rest = rest[:idx]
	}
	if idx := strings.Index(rest, "@"); idx >= 0 {
		jid.Username = rest[:idx]
		rest = rest[idx+1:]
		if jid.Username == "" {
			return ErrIncorrectJidEncoding
		}
	}
	if rest == "" || strings.ContainsAny(rest, "@ ") {
		return ErrIncorrectJidEncoding
	}
	jid.Domain = rest
	return nil
}

func (jid JID) Bare() JID {
	return JID{Username: jid.Username, Domain: jid.Domain}
}

func (jid JID) String() string {
	s := jid.Domain
	if jid.Username != "" {
		s = fmt.Sprintf("%s@%s", jid.Username, jid.Domain)
	}
	if jid.Resource != "" {
		s += "/" + jid.Resource
	}
	return s
}

func (jid JID) Equal(a JID) bool {
	return jid.Username == a.Username && jid.Domain == a.Domain && jid.Resource == a.Resource
}
