package kerberos

import (
	"time"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// ticketFlagNames maps RFC 4120 §5.3 ticket flag bit positions to their
// names. Flags travel through the broker verbatim; callers decide what
// forwardable or ok-as-delegate mean for their protocol.
var ticketFlagNames = map[int]string{
	1:  "forwardable",
	2:  "forwarded",
	3:  "proxiable",
	4:  "proxy",
	5:  "may-postdate",
	6:  "postdated",
	8:  "renewable",
	9:  "initial",
	10: "pre-authent",
	11: "hw-authent",
	12: "transited-policy-checked",
	13: "ok-as-delegate",
}

// Ticket is a service ticket obtained through constrained delegation,
// together with the metadata callers receive. The raw Kerberos ticket
// and session key stay package-private; they are only ever reused as
// S4U2Proxy evidence.
type Ticket struct {
	// ClientPrincipal is the impersonated user, fully qualified.
	ClientPrincipal string

	// ServicePrincipal is the service the ticket is addressed to. For a
	// self ticket this is the broker's own service account; for a proxy
	// ticket it names the target SPN.
	ServicePrincipal string

	// TargetSPN is the requested delegation target. Empty on self tickets.
	TargetSPN string

	// DelegatedFrom names the service account that performed the
	// impersonation. Set on proxy tickets.
	DelegatedFrom string

	// Flags are the ticket flag names set by the KDC, passed verbatim.
	Flags []string

	IssuedAt  time.Time
	ExpiresAt time.Time

	krbTicket  messages.Ticket
	sessionKey types.EncryptionKey
}

// Lifetime returns the ticket's remaining validity, or zero when it has
// already expired.
func (t *Ticket) Lifetime() time.Duration {
	remaining := time.Until(t.ExpiresAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// flagNames decodes a ticket flags bit string into names, preserving
// bit order. Unknown bits are skipped rather than invented.
func flagNames(flags asn1.BitString) []string {
	var names []string
	for bit := 0; bit < flags.BitLength; bit++ {
		if !types.IsFlagSet(&flags, bit) {
			continue
		}
		if name, ok := ticketFlagNames[bit]; ok {
			names = append(names, name)
		}
	}
	return names
}
