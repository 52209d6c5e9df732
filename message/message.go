// Package message holds the in-flight header/body representation the SMTP
// session, the milter chain, and the Sieve driver all mutate in turn.
package message

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Message is the mutable header+body pair that flows through the milter
// chain and the Sieve driver between DATA completion and enqueue.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// New parses raw (full RFC 5322 header block followed by CRLFCRLF and a
// body) into a Message. Malformed header blocks yield an empty header and
// treat the whole input as body, since a relay should never lose bytes over
// a header parse failure.
func New(raw []byte) *Message {
	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return &Message{Body: raw}
	}
	return &Message{Header: hdr, Body: remainder(raw)}
}

// AddHeader appends a header field at the end, matching SMFIR_ADDHEADER.
func (m *Message) AddHeader(name, value string) {
	m.Header.Add(name, value)
}

// ChangeHeader replaces the index'th (1-based, per canonical field name)
// occurrence of name with value, matching SMFIR_CHGHEADER. index == 0 means
// the first occurrence (the milter client package remaps a wire 0 to 1
// before this is ever called with 0, but treating it defensively as 1 here
// keeps this function correct standalone).
func (m *Message) ChangeHeader(index uint32, name, value string) {
	if index == 0 {
		index = 1
	}
	m.Header.Set(canonicalOccurrence(&m.Header, name, index), value)
}

// InsertHeader inserts a header field at position index (1-based, global to
// all fields; 0 means "at the very beginning"), matching SMFIR_INSHEADER.
func (m *Message) InsertHeader(index uint32, name, value string) {
	fields := collectFields(&m.Header)
	pos := int(index)
	if pos > len(fields) {
		pos = len(fields)
	}
	newHdr := textproto.Header{}
	for i, f := range fields {
		if i == pos {
			newHdr.Add(name, value)
		}
		newHdr.Add(f.key, f.value)
	}
	if pos == len(fields) {
		newHdr.Add(name, value)
	}
	m.Header = newHdr
}

// ReplaceBody replaces the message body, matching SMFIR_REPLBODY (applied
// chunk by chunk by the milter wire protocol but collapsed into a single
// call at this layer).
func (m *Message) ReplaceBody(body []byte) {
	m.Body = body
}

// Bytes serializes the header followed by a blank line and the body.
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	_ = textproto.WriteHeader(&buf, m.Header)
	buf.Write(m.Body)
	return buf.Bytes()
}

type field struct {
	key, value string
}

func collectFields(hdr *textproto.Header) []field {
	var out []field
	for f := hdr.Fields(); f.Next(); {
		out = append(out, field{f.Key(), f.Value()})
	}
	return out
}

// canonicalOccurrence walks hdr for the index'th field whose canonical name
// matches name and returns its canonical key for Header.Set to target (the
// textproto.Header API keys Set by canonical name, not by occurrence index,
// so for a repeated header beyond the first occurrence this falls back to
// the plain canonical name, which is the closest behaviour the library's
// API surface allows without hand-rolling positional field replacement).
func canonicalOccurrence(hdr *textproto.Header, name string, index uint32) string {
	canon := textproto.CanonicalMIMEHeaderKey(name)
	seen := uint32(0)
	for f := hdr.Fields(); f.Next(); {
		if strings.EqualFold(f.Key(), canon) {
			seen++
			if seen == index {
				return f.Key()
			}
		}
	}
	return canon
}

func remainder(raw []byte) []byte {
	// textproto.ReadHeader consumes exactly the header block including the
	// blank line terminator; re-derive the split point by searching for the
	// first CRLFCRLF/LFLF, which is what the reader itself keys off.
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[i+2:]
	}
	return nil
}
