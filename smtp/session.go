package smtp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"golang.org/x/text/transform"

	"github.com/bobobo1618/mail-server/addrutil"
	"github.com/bobobo1618/mail-server/directory"
	"github.com/bobobo1618/mail-server/envelope"
	"github.com/bobobo1618/mail-server/internal/metrics"
	"github.com/bobobo1618/mail-server/message"
	"github.com/bobobo1618/mail-server/milter"
	"github.com/bobobo1618/mail-server/milterutil"
	"github.com/bobobo1618/mail-server/queue"
	"github.com/bobobo1618/mail-server/sieve"
)

// State is a session's position in the SMTP command sequence.
type State int

const (
	StateGreeted State = iota
	StateHelo
	StateMail
	StateRcpt
	StateDone
)

// Config configures one listener's sessions.
type Config struct {
	Hostname       string
	LMTP           bool
	MaxMessageSize int64
	CommandTimeout time.Duration
	DataTimeout    time.Duration

	Directory             directory.Directory
	MilterChain           *milter.Chain
	TempfailOnMilterError bool // reply 451 instead of failing open when a milter peer is unreachable
	SieveRegistry         *sieve.Registry
	SieveScript           string // name of the top-level script to run per message, empty disables Sieve
	SieveDir              sieve.Lister
	SieveDB               sieve.Database
	SieveSub              sieve.Subprocess
	SieveSigner           sieve.Signer
	Queue                 queue.Queue
	Metrics               metrics.Collector
}

func (cfg Config) metrics() metrics.Collector {
	if cfg.Metrics == nil {
		return &metrics.NoopCollector{}
	}
	return cfg.Metrics
}

// Session is one SMTP/LMTP connection's state machine, grounded on the
// teacher's milter.ClientSession command-phase discipline generalized
// from a milter peer's protocol to the SMTP wire protocol itself.
type Session struct {
	cfg  Config
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	log  *slog.Logger

	remoteAddr string
	state      State
	heloName   string
	id         string

	sender           *envelope.Sender
	recipients       []*envelope.Recipient
	quarantineReason string

	bdatBuf []byte
}

// ID is this connection's queue identifier, generated once at Session
// creation and handed to the Milter chain as MacroQueueId so a filter peer
// can correlate callbacks for the same message the way Postfix/Sendmail's
// own queue ID lets it.
func (s *Session) ID() string { return s.id }

// NewSession wraps conn in a Session ready to Serve.
func NewSession(cfg Config, conn net.Conn, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		conn:       conn,
		br:         bufio.NewReader(conn),
		bw:         bufio.NewWriter(conn),
		log:        log,
		id:         uuid.NewString(),
		remoteAddr: conn.RemoteAddr().String(),
		state:      StateGreeted,
	}
}

// envelope.Session
func (s *Session) Sender() *envelope.Sender             { return s.sender }
func (s *Session) SetSender(sender *envelope.Sender)    { s.sender = sender }
func (s *Session) LastRecipient() *envelope.Recipient {
	if len(s.recipients) == 0 {
		return nil
	}
	return s.recipients[len(s.recipients)-1]
}
func (s *Session) AppendRecipient(r *envelope.Recipient) { s.recipients = append(s.recipients, r) }

// envelope.RecipientSession
func (s *Session) Recipients() []*envelope.Recipient { return s.recipients }
func (s *Session) RemoveRecipient(addr string) {
	out := s.recipients[:0]
	for _, r := range s.recipients {
		if r.Normalized() != addr {
			out = append(out, r)
		}
	}
	s.recipients = out
}
func (s *Session) SetQuarantineReason(reason string) { s.quarantineReason = reason }

func (s *Session) reset() {
	s.sender = nil
	s.recipients = nil
	s.quarantineReason = ""
	s.bdatBuf = nil
	s.state = StateHelo
}

func (s *Session) reply(code int, format string, args ...any) {
	fmt.Fprintf(s.bw, "%d %s\r\n", code, fmt.Sprintf(format, args...))
	s.bw.Flush()
}

func (s *Session) replyMulti(lines []string, code int) {
	for i, l := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		fmt.Fprintf(s.bw, "%d%c%s\r\n", code, sep, l)
	}
	s.bw.Flush()
}

// Serve drives the command loop until QUIT or a fatal I/O error.
func (s *Session) Serve(ctx context.Context) {
	greeting := "ESMTP ready"
	if s.cfg.LMTP {
		greeting = "LMTP ready"
	}
	s.reply(220, "%s %s", s.cfg.Hostname, greeting)

	for {
		if s.cfg.CommandTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.CommandTimeout))
		}
		line, err := s.br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if !s.dispatch(ctx, line) {
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, line string) bool {
	parsed := ParseLine(line)
	switch parsed.Cmd {
	case CmdHelo:
		s.heloName = parsed.Arg
		s.reset()
		s.reply(250, "%s", s.cfg.Hostname)
	case CmdEhlo, CmdLhlo:
		s.heloName = parsed.Arg
		s.reset()
		s.replyMulti(s.capabilities(), 250)
	case CmdMailFrom:
		s.handleMailFrom(parsed)
	case CmdRcptTo:
		s.handleRcptTo(ctx, parsed)
	case CmdData:
		s.cfg.metrics().CommandProcessed(parsed.Cmd.String())
		return s.handleData(ctx)
	case CmdBdat:
		s.cfg.metrics().CommandProcessed(parsed.Cmd.String())
		return s.handleBdat(ctx, parsed)
	case CmdRset:
		s.reset()
		s.reply(250, "OK")
	case CmdNoop:
		s.reply(250, "OK")
	case CmdVrfy:
		s.handleVrfy(ctx, parsed)
	case CmdExpn:
		s.handleExpn(ctx, parsed)
	case CmdAuth:
		s.cfg.metrics().CommandProcessed(parsed.Cmd.String())
		return s.handleAuth(ctx, parsed)
	case CmdStartTLS:
		s.reply(502, "STARTTLS not supported")
	case CmdQuit:
		s.reply(221, "%s closing connection", s.cfg.Hostname)
		s.cfg.metrics().CommandProcessed(parsed.Cmd.String())
		return false
	default:
		s.reply(500, "unrecognized command")
	}
	s.cfg.metrics().CommandProcessed(parsed.Cmd.String())
	return true
}

func (s *Session) capabilities() []string {
	caps := []string{s.cfg.Hostname}
	caps = append(caps, "PIPELINING", "8BITMIME", "DSN")
	if !s.cfg.LMTP {
		caps = append(caps, "CHUNKING")
	}
	if s.cfg.MaxMessageSize > 0 {
		caps = append(caps, fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize))
	}
	if s.cfg.Directory != nil {
		caps = append(caps, "AUTH "+strings.Join(SupportedSASLMechanisms(), " "))
	}
	return caps
}

func (s *Session) handleMailFrom(p ParsedLine) {
	if s.state < StateHelo {
		s.reply(503, "send HELO/EHLO first")
		return
	}
	if p.Err != "" {
		s.reply(501, "%s", p.Err)
		return
	}
	clean, ok := addrutil.Sanitize(p.Arg)
	if !ok && p.Arg != "" {
		s.reply(501, "malformed address")
		return
	}
	sender := envelope.NewSender(clean)
	for _, param := range strings.Fields(p.Params) {
		k, v, _ := strings.Cut(param, "=")
		switch strings.ToUpper(k) {
		case "RET":
			applySenderRet(sender, v)
		case "ENVID":
			sender.Envid = v
		case "BY":
			applySenderBy(sender, v)
		}
	}
	s.sender = sender
	s.state = StateMail
	s.reply(250, "OK")
}

func applySenderRet(s *envelope.Sender, v string) {
	switch strings.ToUpper(v) {
	case "FULL":
		s.Ret |= envelope.RetFull
	case "HDRS":
		s.Ret |= envelope.RetHdrs
	}
}

func applySenderBy(s *envelope.Sender, v string) {
	// BY=<time>;<mode>[T], e.g. "BY=120;RT" — mode carries N/R and an
	// optional trailing T for trace.
	_, mode, ok := strings.Cut(v, ";")
	if !ok {
		return
	}
	if strings.Contains(mode, "N") {
		s.By |= envelope.ByNotify
	}
	if strings.Contains(mode, "R") {
		s.By |= envelope.ByReturn
	}
	if strings.Contains(mode, "T") {
		s.By |= envelope.ByTrace
	}
}

func (s *Session) handleRcptTo(ctx context.Context, p ParsedLine) {
	if s.state < StateMail {
		s.reply(503, "send MAIL FROM first")
		return
	}
	if p.Err != "" {
		s.reply(501, "%s", p.Err)
		return
	}
	clean, ok := addrutil.Sanitize(p.Arg)
	if !ok {
		s.reply(501, "malformed address")
		return
	}
	if s.cfg.Directory != nil {
		accepted, err := s.cfg.Directory.Rcpt(ctx, clean)
		if err != nil {
			s.reply(451, "directory unavailable")
			return
		}
		if !accepted {
			s.reply(550, "no such recipient")
			return
		}
	}
	for _, r := range s.recipients {
		if r.Normalized() == clean {
			s.reply(250, "OK")
			return
		}
	}
	r := envelope.NewRecipient(clean)
	for _, param := range strings.Fields(p.Params) {
		k, v, _ := strings.Cut(param, "=")
		switch strings.ToUpper(k) {
		case "ORCPT":
			r.Orcpt = v
		case "NOTIFY":
			applyRecipientNotify(r, v)
		}
	}
	s.recipients = append(s.recipients, r)
	s.state = StateRcpt
	s.reply(250, "OK")
}

func applyRecipientNotify(r *envelope.Recipient, v string) {
	if strings.EqualFold(v, "NEVER") {
		r.Notify |= envelope.NotifyNever
		return
	}
	for _, tok := range strings.Split(v, ",") {
		switch strings.ToUpper(strings.TrimSpace(tok)) {
		case "SUCCESS":
			r.Notify |= envelope.NotifySuccess
		case "FAILURE":
			r.Notify |= envelope.NotifyFailure
		case "DELAY":
			r.Notify |= envelope.NotifyDelay
		}
	}
}

func (s *Session) handleVrfy(ctx context.Context, p ParsedLine) {
	if s.cfg.Directory == nil {
		s.reply(252, "cannot verify")
		return
	}
	matches, err := s.cfg.Directory.Vrfy(ctx, p.Arg)
	if err != nil || len(matches) == 0 {
		s.reply(550, "no such user")
		return
	}
	s.reply(250, "%s", matches[0])
}

func (s *Session) handleExpn(ctx context.Context, p ParsedLine) {
	if s.cfg.Directory == nil {
		s.reply(252, "cannot expand")
		return
	}
	matches, err := s.cfg.Directory.Expn(ctx, p.Arg)
	if err != nil || len(matches) == 0 {
		s.reply(550, "no such list")
		return
	}
	s.replyMulti(matches, 250)
}

func (s *Session) handleData(ctx context.Context) bool {
	if s.state < StateRcpt {
		s.reply(503, "send RCPT TO first")
		return true
	}
	s.reply(354, "end data with <CR><LF>.<CR><LF>")
	if s.cfg.DataTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))
	}
	var buf bytes.Buffer
	for {
		line, err := s.br.ReadString('\n')
		if err != nil {
			return false
		}
		if line == ".\r\n" || line == ".\n" {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
	}
	s.finalizeMessage(ctx, canonicalizeCRLF(buf.Bytes()))
	return true
}

// canonicalizeCRLF rewrites every line ending in raw to CRLF, reusing the
// teacher's transformer family so a body containing bare LFs (some clients
// send them despite the protocol requiring CRLF) is normalized before it
// reaches the milter chain and Sieve, both of which assume CRLF line
// endings.
func canonicalizeCRLF(raw []byte) []byte {
	out, _, err := transform.Bytes(&milterutil.CrLfCanonicalizationTransformer{}, raw)
	if err != nil {
		return raw
	}
	return out
}

func (s *Session) handleBdat(ctx context.Context, p ParsedLine) bool {
	if s.state < StateRcpt {
		s.reply(503, "send RCPT TO first")
		return true
	}
	fields := strings.Fields(p.Arg)
	if len(fields) == 0 {
		s.reply(501, "BDAT requires a chunk size")
		return true
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		s.reply(501, "invalid chunk size")
		return true
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	if s.cfg.DataTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.DataTimeout))
	}
	chunk := make([]byte, n)
	if n > 0 {
		if _, err := readFull(s.br, chunk); err != nil {
			return false
		}
	}
	s.bdatBuf = append(s.bdatBuf, chunk...)
	if !last {
		s.reply(250, "%d octets received", n)
		return true
	}
	body := s.bdatBuf
	s.bdatBuf = nil
	s.finalizeMessage(ctx, canonicalizeCRLF(body))
	return true
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// finalizeMessage runs the Milter chain (if configured) then Sieve (if
// configured) against raw, in that order, applying each stage's envelope
// modifications immediately so the next stage observes them, then
// enqueues the resulting message and replies per recipient (LMTP) or once
// (SMTP).
func (s *Session) finalizeMessage(ctx context.Context, raw []byte) {
	msg := message.New(raw)

	if s.cfg.MilterChain != nil {
		act, err := s.runMilter(ctx, msg)
		if err != nil {
			s.log.Warn("milter chain error", "remote", s.remoteAddr, "error", err)
			if s.cfg.TempfailOnMilterError {
				s.cfg.metrics().MessageRejected("milter")
				s.reply(451, "milter error: %s", err)
				s.reset()
				return
			}
			// Fail open: treat a transport/protocol error against the milter
			// chain as if it had returned Accept for the remainder of processing.
		} else if act != nil && act.StopProcessing() {
			s.cfg.metrics().MessageRejected("milter")
			code := int(act.SMTPCode)
			if code == 0 {
				code = 554
			}
			reply := act.SMTPReply
			if reply == "" {
				reply = "message rejected"
			}
			s.reply(code, "%s", strings.TrimPrefix(reply, fmt.Sprintf("%d ", code)))
			s.reset()
			return
		}
	}

	if s.cfg.SieveRegistry != nil && s.cfg.SieveScript != "" {
		outcome, err := s.runSieve(ctx, msg)
		if err != nil {
			s.log.Error("sieve evaluation failed", "remote", s.remoteAddr, "error", err)
			s.cfg.metrics().MessageRejected("sieve-error")
			s.reply(451, "filtering error")
			s.reset()
			return
		}
		s.cfg.metrics().SieveOutcome(outcome.Outcome.String())
		switch outcome.Outcome {
		case sieve.OutcomeReject:
			s.cfg.metrics().MessageRejected("sieve")
			// RejectReason already carries its reply code and trailing CRLF.
			fmt.Fprint(s.bw, outcome.RejectReason)
			s.bw.Flush()
			s.reset()
			return
		case sieve.OutcomeDiscard:
			s.cfg.metrics().MessageDiscarded()
			s.acceptReplies()
			s.reset()
			return
		case sieve.OutcomeReplace:
			msg.ReplaceBody(outcome.ReplacedBytes)
		}
	}

	if s.cfg.Queue != nil {
		data := msg.Bytes()
		for _, r := range s.recipients {
			qm := queue.NewMessage(r.Normalized(), data)
			qm.From, qm.Notify, qm.Ret = s.sender, r.Notify, s.sender.Ret
			if err := s.cfg.Queue.Enqueue(ctx, qm); err != nil {
				s.log.Error("enqueue failed", "remote", s.remoteAddr, "error", err)
				s.reply(451, "queue error")
				s.reset()
				return
			}
		}
	}

	s.cfg.metrics().MessageAccepted(int64(len(raw)))
	s.acceptReplies()
	s.reset()
}

// runMilter drives the chain through Conn/Mail/Rcpt/end-of-message for msg.
// The returned Action is non-nil only when some peer asked to stop
// processing; the error return is reserved for transport/protocol failures
// talking to a milter peer, which the caller may choose to fail open on.
func (s *Session) runMilter(ctx context.Context, msg *message.Message) (*milter.Action, error) {
	macros := milter.NewMacroBag()
	macros.Set(milter.MacroQueueId, s.id)
	if err := s.cfg.MilterChain.Open(macros); err != nil {
		return nil, err
	}
	defer s.cfg.MilterChain.Close()

	family := milter.FamilyInet
	host, _, _ := net.SplitHostPort(s.remoteAddr)
	if host == "" {
		host = s.remoteAddr
	}
	if strings.Contains(host, ":") {
		family = milter.FamilyInet6
	}
	act, err := s.cfg.MilterChain.Conn(s.heloName, family, 0, host)
	if err != nil {
		return nil, err
	}
	if act != nil {
		s.cfg.metrics().MilterInvoked("conn", act.Type.String())
		if act.StopProcessing() {
			return act, nil
		}
	}
	act, err = s.cfg.MilterChain.Mail(s.sender.Original(), "")
	if err != nil {
		return nil, err
	}
	if act != nil {
		s.cfg.metrics().MilterInvoked("mail", act.Type.String())
		if act.StopProcessing() {
			return act, nil
		}
	}
	for _, r := range s.recipients {
		act, err = s.cfg.MilterChain.Rcpt(r.Original(), "")
		if err != nil {
			return nil, err
		}
		if act != nil {
			s.cfg.metrics().MilterInvoked("rcpt", act.Type.String())
			if act.StopProcessing() {
				return act, nil
			}
		}
	}

	hdr, body, act, err := s.cfg.MilterChain.RunMessage(msg.Header, msg.Body,
		func(hdr *textproto.Header, body *[]byte, mods []milter.ModifyAction) {
			envelope.ApplyMilterModifications(s, msg, mods)
			*hdr = msg.Header
			*body = msg.Body
		})
	if err != nil {
		return nil, err
	}
	if act != nil {
		s.cfg.metrics().MilterInvoked("message", act.Type.String())
		if act.StopProcessing() {
			return act, nil
		}
	}
	msg.Header = hdr
	msg.Body = body
	return nil, nil
}

func (s *Session) runSieve(ctx context.Context, msg *message.Message) (*sieve.Result, error) {
	data := &sieve.MessageData{
		Header: func(name string) []string { return headerValues(msg, name) },
		From:   s.sender.Original(),
	}
	for _, r := range s.recipients {
		data.Recipients = append(data.Recipients, r.Original())
	}
	interp, ok := s.cfg.SieveRegistry.Start(s.cfg.SieveScript, data)
	if !ok {
		return &sieve.Result{Outcome: sieve.OutcomeAccept}, nil
	}
	q := s.cfg.Queue
	if q == nil {
		q = queue.NewMemoryQueue()
	}
	sieveSess := sieve.NewSession(s, msg.Bytes(), s.cfg.SieveDir, s.cfg.SieveDB, q, s.cfg.SieveSub, s.cfg.SieveSigner,
		s.cfg.SieveRegistry.BindLookup(data))
	return sieve.Run(ctx, interp, sieveSess)
}

// headerValues collects every occurrence of name, matching a Sieve
// ":header" test's "any occurrence" semantics.
func headerValues(msg *message.Message, name string) []string {
	var out []string
	for f := msg.Header.FieldsByKey(name); f.Next(); {
		out = append(out, f.Value())
	}
	return out
}

func (s *Session) acceptReplies() {
	if s.cfg.LMTP {
		for range s.recipients {
			s.reply(250, "OK")
		}
		return
	}
	s.reply(250, "OK: message accepted")
}
