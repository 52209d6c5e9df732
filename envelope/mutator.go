package envelope

import "strings"

// Field names a Sieve SetEnvelope target, mirroring the `Envelope` enum the
// Sieve interpreter emits events against.
type Field string

const (
	FieldFrom       Field = "from"
	FieldTo         Field = "to"
	FieldByMode     Field = "bymode"
	FieldByTrace    Field = "bytrace"
	FieldNotify     Field = "notify"
	FieldRet        Field = "ret"
	FieldOrcpt      Field = "orcpt"
	FieldEnvid      Field = "envid"
	FieldByTimeAbs  Field = "bytimeabsolute"
	FieldByTimeRel  Field = "bytimerelative"
)

// Modification is one (field, value) pair produced by a Sieve script's
// SetEnvelope event.
type Modification struct {
	Field Field
	Value string
}

// Session is the subset of envelope state a Mutator needs to read and
// write: the current sender and the recipient list, with the "last
// recipient" convention spec.md's Envelope mutator (component D) uses as
// its addressing scheme.
type Session interface {
	Sender() *Sender
	SetSender(*Sender)
	LastRecipient() *Recipient
	AppendRecipient(*Recipient)
}

// ApplyModifications applies mods to sess in arrival order; later entries
// overwrite earlier ones touching the same field. Unknown fields are
// ignored. This mirrors apply_sieve_modifications in the original Sieve
// driver: From/To install a fresh address only when the value contains an
// '@' (or, for From, is empty, meaning null sender); everything else is a
// flag mutation on the existing sender/last-recipient and is a no-op when
// there is none yet.
func ApplyModifications(sess Session, mods []Modification) {
	for _, m := range mods {
		applyOne(sess, m)
	}
}

func applyOne(sess Session, m Modification) {
	switch m.Field {
	case FieldFrom:
		if strings.Contains(m.Value, "@") {
			sess.SetSender(NewSender(m.Value))
		} else if m.Value == "" {
			sess.SetSender(NewSender(""))
		}
		// neither: ignore
	case FieldTo:
		if strings.Contains(m.Value, "@") {
			if last := sess.LastRecipient(); last != nil {
				last.set(m.Value)
			} else {
				sess.AppendRecipient(NewRecipient(m.Value))
			}
		}
	case FieldByMode:
		if from := sess.Sender(); from != nil {
			from.By &^= ByNotify | ByReturn
			switch m.Value {
			case "N":
				from.By |= ByNotify
			case "R":
				from.By |= ByReturn
			}
		}
	case FieldByTrace:
		if from := sess.Sender(); from != nil {
			if m.Value == "T" {
				from.By |= ByTrace
			} else {
				from.By &^= ByTrace
			}
		}
	case FieldNotify:
		if last := sess.LastRecipient(); last != nil {
			last.Notify = 0
			if m.Value == "NEVER" {
				last.Notify |= NotifyNever
			} else {
				for _, tok := range strings.Split(m.Value, ",") {
					switch strings.TrimSpace(tok) {
					case "SUCCESS":
						last.Notify |= NotifySuccess
					case "FAILURE":
						last.Notify |= NotifyFailure
					case "DELAY":
						last.Notify |= NotifyDelay
					}
				}
			}
		}
	case FieldRet:
		if from := sess.Sender(); from != nil {
			from.Ret &^= RetFull | RetHdrs
			switch m.Value {
			case "FULL":
				from.Ret |= RetFull
			case "HDRS":
				from.Ret |= RetHdrs
			}
		}
	case FieldOrcpt:
		if last := sess.LastRecipient(); last != nil {
			last.Orcpt = m.Value
		}
	case FieldEnvid:
		if from := sess.Sender(); from != nil {
			from.Envid = m.Value
		}
	case FieldByTimeAbs, FieldByTimeRel:
		// Handled directly by the Sieve driver's SendMessage processing
		// against a constructed queue.Message, not against the live
		// session envelope; nothing to do here.
	}
}
