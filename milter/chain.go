package milter

import (
	"bytes"
	"fmt"

	"github.com/emersion/go-message/textproto"
)

// ChainEntry is one configured milter peer in a Chain.
type ChainEntry struct {
	Name   string
	Client *Client
}

// Chain fans an SMTP session's phases out to an ordered list of milter
// peers, holding one ClientSession per peer between Open and Close. A later
// peer's callbacks observe every header/body modification an earlier peer
// already applied, because RunMessage passes each peer's modifications to
// the caller's apply function (e.g. envelope.ApplyMilterModifications)
// before feeding the result to the next peer.
//
// Chain is not safe for concurrent use; an SMTP session owns its own Chain.
type Chain struct {
	entries  []ChainEntry
	sessions []*ClientSession
}

// NewChain builds a Chain over entries, in the order they should be consulted.
func NewChain(entries ...ChainEntry) *Chain {
	return &Chain{entries: entries}
}

// Len reports how many peers are configured.
func (c *Chain) Len() int {
	return len(c.entries)
}

// Open dials every configured peer and negotiates options, in order. On the
// first failure it closes any sessions already opened and returns the
// failing peer's name alongside the error.
func (c *Chain) Open(macros Macros) error {
	c.sessions = make([]*ClientSession, 0, len(c.entries))
	for _, e := range c.entries {
		s, err := e.Client.Session(macros)
		if err != nil {
			c.Close()
			return fmt.Errorf("milter: chain: open %s: %w", e.Name, err)
		}
		c.sessions = append(c.sessions, s)
	}
	return nil
}

// Close releases every open peer session. Close errors are discarded;
// Close never returns early so every session gets a chance to close.
func (c *Chain) Close() {
	for _, s := range c.sessions {
		if s != nil {
			_ = s.Close()
		}
	}
	c.sessions = nil
}

// Each calls fn for every open session in configured order, stopping at
// (and returning) the first non-continuing Action any peer returns. A nil
// Action means every peer answered Continue/Accept.
func (c *Chain) Each(fn func(name string, s *ClientSession) (*Action, error)) (*Action, error) {
	for i, s := range c.sessions {
		act, err := fn(c.entries[i].Name, s)
		if err != nil {
			return nil, fmt.Errorf("milter: chain: %s: %w", c.entries[i].Name, err)
		}
		if act != nil && act.StopProcessing() {
			return act, nil
		}
	}
	return nil, nil
}

// Conn runs Conn against every peer in order.
func (c *Chain) Conn(hostname string, family ProtoFamily, port uint16, addr string) (*Action, error) {
	return c.Each(func(_ string, s *ClientSession) (*Action, error) {
		return s.Conn(hostname, family, port, addr)
	})
}

// Helo runs Helo against every peer in order.
func (c *Chain) Helo(helo string) (*Action, error) {
	return c.Each(func(_ string, s *ClientSession) (*Action, error) {
		return s.Helo(helo)
	})
}

// Mail runs Mail against every peer in order.
func (c *Chain) Mail(sender, esmtpArgs string) (*Action, error) {
	return c.Each(func(_ string, s *ClientSession) (*Action, error) {
		return s.Mail(sender, esmtpArgs)
	})
}

// Rcpt runs Rcpt against every peer in order.
func (c *Chain) Rcpt(rcpt, esmtpArgs string) (*Action, error) {
	return c.Each(func(_ string, s *ClientSession) (*Action, error) {
		return s.Rcpt(rcpt, esmtpArgs)
	})
}

// RunMessage feeds header and body to every peer in order, applying each
// peer's modifications to hdr/body before the next peer sees them, and
// returns the final header/body and the first non-continuing Action (if
// any). Peers run in configured order, each seeing the previous peer's
// output.
func (c *Chain) RunMessage(hdr textproto.Header, body []byte, apply func(hdr *textproto.Header, body *[]byte, mods []ModifyAction)) (textproto.Header, []byte, *Action, error) {
	for i, s := range c.sessions {
		act, err := s.Header(hdr)
		if err != nil {
			return hdr, body, nil, fmt.Errorf("milter: chain: %s: header: %w", c.entries[i].Name, err)
		}
		if act.StopProcessing() {
			return hdr, body, act, nil
		}
		mods, act, err := s.BodyReadFrom(bytes.NewReader(body))
		if err != nil {
			return hdr, body, nil, fmt.Errorf("milter: chain: %s: body: %w", c.entries[i].Name, err)
		}
		apply(&hdr, &body, mods)
		if act.StopProcessing() {
			return hdr, body, act, nil
		}
	}
	return hdr, body, nil, nil
}
