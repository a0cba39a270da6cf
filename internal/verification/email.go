package verification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"strings"
)

var (
	ErrMalformedEmail = errors.New("malformed-email")
	ErrBlockedDomain  = errors.New("blocked-domain")
	ErrNoMailServer   = errors.New("domain-has-no-mail-server")
	ErrEmailTaken     = errors.New("email-taken")
)

// MXResolver looks up mail exchangers. *net.Resolver satisfies it.
type MXResolver interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// DomainValidator checks that an email address is well formed and its
// domain may receive codes
type DomainValidator struct {
	blocked  map[string]struct{}
	checkMX  bool
	resolver MXResolver
}

// NewDomainValidator creates a new DomainValidator. resolver is only used
// when checkMX is set and defaults to net.DefaultResolver.
func NewDomainValidator(blocked []string, checkMX bool, resolver MXResolver) *DomainValidator {
	v := &DomainValidator{
		blocked:  make(map[string]struct{}, len(blocked)),
		checkMX:  checkMX,
		resolver: resolver,
	}
	for _, d := range blocked {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			v.blocked[d] = struct{}{}
		}
	}
	if v.resolver == nil {
		v.resolver = net.DefaultResolver
	}
	return v
}

// Validate returns the normalized (lowercase, bare) address
func (v *DomainValidator) Validate(ctx context.Context, raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEmail, err)
	}
	address := strings.ToLower(addr.Address)

	at := strings.LastIndexByte(address, '@')
	domain := address[at+1:]
	if !strings.Contains(domain, ".") {
		return "", ErrMalformedEmail
	}

	for d := domain; d != ""; {
		if _, ok := v.blocked[d]; ok {
			return "", ErrBlockedDomain
		}
		dot := strings.IndexByte(d, '.')
		if dot < 0 {
			break
		}
		d = d[dot+1:]
	}

	if v.checkMX {
		records, err := v.resolver.LookupMX(ctx, domain)
		if err != nil || len(records) == 0 {
			return "", ErrNoMailServer
		}
	}
	return address, nil
}
