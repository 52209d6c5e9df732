// Package envelope models the SMTP-level sender/recipient envelope,
// distinct from message headers, and mutates it in response to Sieve and
// milter modifications.
package envelope

import (
	"strings"

	"golang.org/x/net/idna"
)

// RetFlag is the DSN RET parameter on a sender address.
type RetFlag uint8

const (
	RetFull RetFlag = 1 << iota
	RetHdrs
)

// ByFlag is the DSN BY mode on a sender address.
type ByFlag uint8

const (
	ByNotify ByFlag = 1 << iota
	ByReturn
	ByTrace
)

// NotifyFlag is the DSN NOTIFY parameter on a recipient address.
type NotifyFlag uint8

const (
	NotifyNever NotifyFlag = 1 << iota
	NotifySuccess
	NotifyFailure
	NotifyDelay
)

// splitAt splits "local@domain" into (local, domain). An address with no
// '@' yields an empty domain.
func splitAt(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

// address is the shared normalized/original/domain triple both Sender and
// Recipient embed.
type address struct {
	original string
	lower    string
	domain   string

	asciiDomain   string
	unicodeDomain bool // computed lazily
	unicode       string
}

// set installs original as this address's value, recomputing the
// derived normalized form and domain. An empty original means the null
// sender (MAIL FROM:<>).
func (a *address) set(original string) {
	a.original = original
	a.lower = strings.ToLower(original)
	_, a.domain = splitAt(a.lower)
	a.asciiDomain = ""
	a.unicode = ""
	a.unicodeDomain = false
}

// Original returns the address exactly as presented on the wire.
func (a *address) Original() string { return a.original }

// Normalized returns the lowercased address, used for deduplication and
// directory lookups.
func (a *address) Normalized() string { return a.lower }

// Domain returns the lowercased domain part, or "" for the null sender or
// an address with no '@'.
func (a *address) Domain() string { return a.domain }

// ASCIIDomain returns the domain in IDNA ASCII (punycode) form. If the
// domain cannot be converted it is returned unchanged, matching the
// permissive fallback a mail relay needs (never fail delivery over a
// cosmetic domain-name issue).
func (a *address) ASCIIDomain() string {
	if a.domain == "" {
		return ""
	}
	if a.asciiDomain != "" {
		return a.asciiDomain
	}
	ascii, err := idna.Lookup.ToASCII(a.domain)
	if err != nil {
		a.asciiDomain = a.domain
		return a.domain
	}
	a.asciiDomain = ascii
	return ascii
}

// UnicodeDomain returns the domain in Unicode form, converting from
// punycode when necessary.
func (a *address) UnicodeDomain() string {
	if a.domain == "" {
		return ""
	}
	if a.unicodeDomain {
		return a.unicode
	}
	u, err := idna.Lookup.ToUnicode(a.domain)
	if err != nil {
		u = a.domain
	}
	a.unicode = u
	a.unicodeDomain = true
	return u
}

// Sender is the MAIL FROM envelope address.
type Sender struct {
	address
	Ret   RetFlag
	By    ByFlag
	Envid string
}

// NewSender builds a Sender for addr (empty for the null sender).
func NewSender(addr string) *Sender {
	s := &Sender{}
	s.set(addr)
	return s
}

// IsNull reports whether this is the null sender (MAIL FROM:<>).
func (s *Sender) IsNull() bool { return s.original == "" }

// Recipient is one RCPT TO envelope address.
type Recipient struct {
	address
	Notify NotifyFlag
	Orcpt  string
}

// NewRecipient builds a Recipient for addr.
func NewRecipient(addr string) *Recipient {
	r := &Recipient{}
	r.set(addr)
	return r
}

// Clone returns a deep copy (the lazily-computed ASCII/Unicode domain cache
// is not shared, which is harmless since it is recomputed on demand).
func (r *Recipient) Clone() *Recipient {
	c := *r
	return &c
}

// Clone returns a deep copy.
func (s *Sender) Clone() *Sender {
	c := *s
	return &c
}
