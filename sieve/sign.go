package sieve

import (
	"bytes"
	"crypto"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer DKIM-signs an outgoing message body, prepending the
// DKIM-Signature header.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Signature is one configured DKIM signing key.
type Signature struct {
	Domain     string
	Selector   string
	Signer     crypto.Signer
	Hash       crypto.Hash
	HeaderKeys []string
}

// dkimSigner applies one or more configured Signatures in order, each
// adding its own DKIM-Signature header, matching how a relay with
// multiple signing domains (e.g. a primary domain and an ESP subdomain)
// stacks signatures.
type dkimSigner struct {
	sigs []Signature
}

// NewSigner returns a Signer applying sigs in order.
func NewSigner(sigs ...Signature) Signer {
	return &dkimSigner{sigs: sigs}
}

func (s *dkimSigner) Sign(msg []byte) ([]byte, error) {
	out := msg
	for _, sig := range s.sigs {
		opts := &dkim.SignOptions{
			Domain:     sig.Domain,
			Selector:   sig.Selector,
			Signer:     sig.Signer,
			Hash:       sig.Hash,
			HeaderKeys: sig.HeaderKeys,
		}
		var buf bytes.Buffer
		if err := dkim.Sign(&buf, bytes.NewReader(out), opts); err != nil {
			return nil, err
		}
		out = buf.Bytes()
	}
	return out, nil
}
