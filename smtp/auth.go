package smtp

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/bobobo1618/mail-server/directory"
)

// SupportedSASLMechanisms lists the AUTH mechanisms this session offers,
// mirroring the teacher pack's SASL-over-line-protocol convention of
// naming exactly the mechanisms a concrete sasl.Server exists for.
func SupportedSASLMechanisms() []string {
	return []string{sasl.Plain}
}

func decodeSASLResponse(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

func encodeSASLChallenge(challenge []byte) string {
	return base64.StdEncoding.EncodeToString(challenge)
}

func (s *Session) handleAuth(ctx context.Context, p ParsedLine) bool {
	if s.state < StateHelo {
		s.reply(503, "send HELO/EHLO first")
		return true
	}
	if s.cfg.Directory == nil {
		s.reply(504, "authentication not available")
		return true
	}
	fields := strings.Fields(p.Arg)
	if len(fields) < 1 {
		s.reply(501, "AUTH requires a mechanism")
		return true
	}
	mechanism := strings.ToUpper(fields[0])
	if !strings.EqualFold(mechanism, sasl.Plain) {
		s.reply(504, "unsupported mechanism %s", mechanism)
		return true
	}

	server := sasl.NewPlainServer(func(identity, username, password string) error {
		_, err := s.cfg.Directory.Authenticate(ctx, directory.Credentials{Username: username, Secret: password})
		return err
	})

	var initial []byte
	if len(fields) > 1 {
		if fields[1] == "=" {
			initial = []byte{}
		} else {
			decoded, err := decodeSASLResponse(fields[1])
			if err != nil {
				s.reply(501, "invalid base64 encoding")
				return true
			}
			initial = decoded
		}
		return s.saslStep(server, mechanism, initial)
	}

	s.reply(334, "")
	return s.saslExchange(server, mechanism)
}

// saslExchange reads continuation lines from the wire until the mechanism
// completes or the client cancels with "*".
func (s *Session) saslExchange(server sasl.Server, mechanism string) bool {
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "*" {
			s.reply(501, "authentication cancelled")
			return true
		}
		decoded, err := decodeSASLResponse(line)
		if err != nil {
			s.reply(501, "invalid base64 encoding")
			return true
		}
		challenge, done, err := server.Next(decoded)
		if err != nil {
			s.cfg.metrics().AuthAttempt(mechanism, false)
			s.reply(535, "authentication failed")
			return true
		}
		if done {
			s.cfg.metrics().AuthAttempt(mechanism, true)
			s.reply(235, "authentication successful")
			return true
		}
		s.reply(334, "%s", encodeSASLChallenge(challenge))
	}
}

func (s *Session) saslStep(server sasl.Server, mechanism string, initial []byte) bool {
	challenge, done, err := server.Next(initial)
	if err != nil {
		s.cfg.metrics().AuthAttempt(mechanism, false)
		s.reply(535, "authentication failed")
		return true
	}
	if done {
		s.cfg.metrics().AuthAttempt(mechanism, true)
		s.reply(235, "authentication successful")
		return true
	}
	s.reply(334, "%s", encodeSASLChallenge(challenge))
	return s.saslExchange(server, mechanism)
}
