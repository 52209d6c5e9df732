package sieve

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bobobo1618/mail-server/envelope"
	"github.com/bobobo1618/mail-server/queue"
)

// Interpreter is a single step function over a compiled Sieve script: Step
// advances to the next suspension point (or completion), Resume feeds back
// the driver's answer to the Event most recently returned by Step.
//
// A concrete Interpreter is produced by Compile/Registry (interp.go),
// wrapping git.sr.ht/~emersion/go-sieve's script evaluator.
type Interpreter interface {
	Step(ctx context.Context) (*Event, error)
	Resume(ctx context.Context, in Input) error
}

// Lister answers ListContains events against named lookup lists (e.g.
// Sieve ":list" tests against a configured blocklist/allowlist).
type Lister interface {
	Contains(ctx context.Context, list string, value string, caseInsensitive bool) (bool, error)
}

// Database answers Execute{Query,...} events.
type Database interface {
	// Query runs cmd with args; for a SELECT it reports row presence, for
	// anything else it reports statement success.
	Query(ctx context.Context, kind QueryKind, cmd string, args []string) (bool, error)
}

// Session is the subset of envelope state and collaborators a script
// execution needs: the target envelope.Session plus the original message
// bytes it is filtering.
type Session struct {
	Envelope      envelope.Session
	OriginalBytes []byte
	Directory     Lister
	DB            Database
	Queue         queue.Queue
	Subprocess    Subprocess
	Signer        Signer

	scriptLookup func(name string) (Interpreter, bool)
}

// NewSession builds a Session. scriptLookup resolves an IncludeScript
// event's named script against the process-wide Registry.
func NewSession(env envelope.Session, originalBytes []byte, dir Lister, db Database, q queue.Queue, sub Subprocess, signer Signer, scriptLookup func(name string) (Interpreter, bool)) *Session {
	return &Session{
		Envelope:      env,
		OriginalBytes: originalBytes,
		Directory:     dir,
		DB:            db,
		Queue:         q,
		Subprocess:    sub,
		Signer:        signer,
		scriptLookup:  scriptLookup,
	}
}

// keepIDDiscard is the sentinel keep_id meaning "the message was
// discarded", one below the reserved "no keep recorded" value.
const (
	keepIDNone    = 0
	keepIDDiscard = -1
)

// Outcome is the final disposition the driver derives once the
// interpreter's event loop terminates.
type Outcome int

const (
	OutcomeAccept Outcome = iota
	OutcomeReject
	OutcomeDiscard
	OutcomeReplace
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccept:
		return "accept"
	case OutcomeReject:
		return "reject"
	case OutcomeDiscard:
		return "discard"
	case OutcomeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Result is the terminal outcome of driving a script to completion.
type Result struct {
	Outcome       Outcome
	RejectReason  string
	ReplacedBytes []byte
	Modifications []envelope.Modification
}

// Run drives interp to completion against sess, following IncludeScript
// events into the looked-up sub-interpreter and resuming the including
// script once it finishes, applying SetEnvelope modifications to
// sess.Envelope as they are observed, and returning the final Outcome per
// the keep_id/reject_reason derivation rules.
func Run(ctx context.Context, interp Interpreter, sess *Session) (*Result, error) {
	d := &runState{sess: sess, keepID: keepIDNone}
	stack := []Interpreter{interp}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		ev, err := top.Step(ctx)
		if err != nil {
			return nil, fmt.Errorf("sieve: script error: %w", err)
		}
		if ev == nil {
			stack = stack[:len(stack)-1]
			continue
		}
		if ev.Kind == EventIncludeScript {
			in := ev.IncludeScript
			if sub, ok := d.sess.scriptLookup(in.Name); ok {
				stack = append(stack, sub)
				continue
			}
			if in.Optional {
				if err := top.Resume(ctx, Input{Bool: false}); err != nil {
					return nil, fmt.Errorf("sieve: resume: %w", err)
				}
				continue
			}
			return nil, fmt.Errorf("sieve: required script %q not found", in.Name)
		}
		answer, err := d.handle(ctx, ev)
		if err != nil {
			return nil, err
		}
		if err := top.Resume(ctx, answer); err != nil {
			return nil, fmt.Errorf("sieve: resume: %w", err)
		}
	}
	return d.result(), nil
}

type runState struct {
	sess         *Session
	keepID       int
	rejectReason string
	created      [][]byte
	mods         []envelope.Modification
}

func (d *runState) handle(ctx context.Context, ev *Event) (Input, error) {
	switch ev.Kind {
	case EventListContains:
		in := ev.ListContains
		caseInsensitive := in.MatchAs == MatchCaseInsensitive
		for _, list := range in.Lists {
			for _, v := range in.Values {
				ok, err := d.sess.Directory.Contains(ctx, list, v, caseInsensitive)
				if err != nil {
					return Input{}, err
				}
				if ok {
					return Input{Bool: true}, nil
				}
			}
		}
		return Input{Bool: false}, nil

	case EventExecuteQuery:
		in := ev.ExecuteQuery
		ok, err := d.sess.DB.Query(ctx, in.Kind, in.Cmd, in.Args)
		if err != nil {
			return Input{}, err
		}
		return Input{Bool: ok}, nil

	case EventExecuteBinary:
		in := ev.ExecuteBinary
		ok, err := d.sess.Subprocess.Run(ctx, in.Cmd, in.Args)
		if err != nil {
			return Input{}, err
		}
		return Input{Bool: ok}, nil

	case EventKeep:
		d.keepID = ev.Keep.MessageID
		return Input{Bool: true}, nil

	case EventDiscard:
		d.keepID = keepIDDiscard
		return Input{Bool: true}, nil

	case EventReject:
		d.rejectReason = ev.Reject.Reason
		return Input{Bool: true}, nil

	case EventCreatedMessage:
		d.created = append(d.created, ev.CreatedMessage.Bytes)
		return Input{Bool: true}, nil

	case EventSetEnvelope:
		m := envelope.Modification{Field: ev.SetEnvelope.Field, Value: ev.SetEnvelope.Value}
		d.mods = append(d.mods, m)
		envelope.ApplyModifications(d.sess.Envelope, []envelope.Modification{m})
		return Input{Bool: true}, nil

	case EventSendMessage:
		if err := d.sendMessage(ctx, ev.SendMessage); err != nil {
			return Input{}, err
		}
		return Input{Bool: true}, nil

	default:
		return Input{}, fmt.Errorf("sieve: unknown event kind %d", ev.Kind)
	}
}

func (d *runState) sendMessage(ctx context.Context, ev *SendMessageEvent) error {
	var body []byte
	if ev.MessageID > 0 && ev.MessageID <= len(d.created) {
		body = d.created[ev.MessageID-1]
	} else {
		body = d.sess.OriginalBytes
	}

	if d.sess.Signer != nil {
		signed, err := d.sess.Signer.Sign(body)
		if err == nil {
			body = signed
		}
	}

	msg := queue.NewMessage(ev.Recipient, body)
	applyNotify(msg, ev.Notify)
	applyRet(msg, ev.Ret)
	applyByTime(msg, ev.ByTime)

	return d.sess.Queue.Enqueue(ctx, msg)
}

func applyNotify(msg *queue.Message, items []string) {
	for _, tok := range items {
		switch strings.ToUpper(strings.TrimSpace(tok)) {
		case "NEVER":
			msg.Notify |= envelope.NotifyNever
		case "SUCCESS":
			msg.Notify |= envelope.NotifySuccess
		case "FAILURE":
			msg.Notify |= envelope.NotifyFailure
		case "DELAY":
			msg.Notify |= envelope.NotifyDelay
		}
	}
}

func applyRet(msg *queue.Message, ret string) {
	switch strings.ToUpper(strings.TrimSpace(ret)) {
	case "FULL":
		msg.Ret |= envelope.RetFull
	case "HDRS":
		msg.Ret |= envelope.RetHdrs
	}
}

func applyByTime(msg *queue.Message, by *ByTime) {
	if by == nil {
		return
	}
	msg.ByTrace = true
	switch by.Kind {
	case ByTimeRelative:
		if secs, err := strconv.ParseInt(by.Value, 10, 64); err == nil {
			msg.ByTimeRelativeSeconds = secs
		}
	case ByTimeAbsolute:
		msg.ByTimeAbsolute = by.Value
	}
}

func (d *runState) result() *Result {
	if d.rejectReason != "" {
		return &Result{Outcome: OutcomeReject, RejectReason: normalizeReject(d.rejectReason), Modifications: d.mods}
	}
	switch {
	case d.keepID == keepIDNone:
		return &Result{Outcome: OutcomeAccept, Modifications: d.mods}
	case d.keepID == keepIDDiscard:
		return &Result{Outcome: OutcomeDiscard, Modifications: d.mods}
	default:
		idx := d.keepID - 1
		if idx >= 0 && idx < len(d.created) {
			return &Result{Outcome: OutcomeReplace, ReplacedBytes: d.created[idx], Modifications: d.mods}
		}
		return &Result{Outcome: OutcomeAccept, Modifications: d.mods}
	}
}

// normalizeReject ensures reason ends with CRLF and, unless it already
// begins with a three-digit SMTP reply code followed by a space, prefixes
// "503 5.5.3 ".
func normalizeReject(reason string) string {
	trimmed := strings.TrimRight(reason, "\r\n")
	if !hasReplyCodePrefix(trimmed) {
		trimmed = "503 5.5.3 " + trimmed
	}
	return trimmed + "\r\n"
}

func hasReplyCodePrefix(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s[3] == ' '
}
