// Package sieve drives compiled Sieve filter scripts against an inbound
// message, translating interpreter events into queue, directory, and
// envelope operations.
package sieve

import "github.com/bobobo1618/mail-server/envelope"

// MatchKind selects how ListContains compares values against list entries.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchCaseInsensitive
)

// QueryKind distinguishes a read query (fed back as a row-presence
// boolean) from any other statement (fed back as a success boolean).
type QueryKind int

const (
	QuerySelect QueryKind = iota
	QueryOther
)

// ByTimeKind distinguishes a relative BY-time offset from an absolute one.
type ByTimeKind int

const (
	ByTimeRelative ByTimeKind = iota
	ByTimeAbsolute
)

// Event is one suspension point yielded by an Interpreter step. Exactly one
// of the typed fields is populated, selected by Kind.
type Event struct {
	Kind EventKind

	IncludeScript   *IncludeScriptEvent
	ListContains    *ListContainsEvent
	ExecuteQuery    *ExecuteQueryEvent
	ExecuteBinary   *ExecuteBinaryEvent
	Keep            *KeepEvent
	Discard         bool
	Reject          *RejectEvent
	CreatedMessage  *CreatedMessageEvent
	SetEnvelope     *SetEnvelopeEvent
	SendMessage     *SendMessageEvent
}

// EventKind tags which field of Event is populated.
type EventKind int

const (
	EventIncludeScript EventKind = iota
	EventListContains
	EventExecuteQuery
	EventExecuteBinary
	EventKeep
	EventDiscard
	EventReject
	EventCreatedMessage
	EventSetEnvelope
	EventSendMessage
)

type IncludeScriptEvent struct {
	Name     string
	Optional bool
}

type ListContainsEvent struct {
	Lists   []string
	Values  []string
	MatchAs MatchKind
}

type ExecuteQueryEvent struct {
	Kind QueryKind
	Cmd  string
	Args []string
}

type ExecuteBinaryEvent struct {
	Cmd  string
	Args []string
}

type KeepEvent struct {
	MessageID int // 0 means "the original message"
}

type RejectEvent struct {
	Reason string
}

type CreatedMessageEvent struct {
	Bytes []byte
}

type SetEnvelopeEvent struct {
	Field envelope.Field
	Value string
}

type NotifyItem struct {
	Flag envelope.NotifyFlag
}

type SendMessageEvent struct {
	Recipient string
	Notify    []string
	Ret       string
	ByTime    *ByTime
	MessageID int
}

type ByTime struct {
	Kind  ByTimeKind
	Value string // relative: a duration-like token; absolute: an RFC3339 timestamp
}

// Input resumes a suspended Interpreter with the answer to the event it
// last yielded. Exactly one field is meaningful per resumption, matching
// the Event that was yielded.
type Input struct {
	Bool bool
}
