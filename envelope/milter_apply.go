package envelope

import (
	"github.com/bobobo1618/mail-server/message"
	"github.com/bobobo1618/mail-server/milter"
)

// RecipientSession extends Session with the recipient-list and
// quarantine-flag operations a milter peer's modifications need, beyond
// what Sieve's SetEnvelope events touch.
type RecipientSession interface {
	Session
	Recipients() []*Recipient
	RemoveRecipient(addr string)
	SetQuarantineReason(reason string)
}

// ApplyMilterModifications applies a milter peer's ModifyAction sequence
// (in arrival order) onto sess and msg. AddRcpt/DeleteRcpt/ChangeFrom act on
// the envelope directly and are not re-validated against the directory,
// matching the trust placed in milter peers as configured infrastructure
// (see SPEC_FULL.md §9.1).
func ApplyMilterModifications(sess RecipientSession, msg *message.Message, mods []milter.ModifyAction) {
	for _, mod := range mods {
		applyMilterOne(sess, msg, mod)
	}
}

func applyMilterOne(sess RecipientSession, msg *message.Message, mod milter.ModifyAction) {
	switch mod.Type {
	case milter.ActionAddHeader:
		msg.AddHeader(mod.HeaderName, mod.HeaderValue)
	case milter.ActionChangeHeader:
		msg.ChangeHeader(mod.HeaderIndex, mod.HeaderName, mod.HeaderValue)
	case milter.ActionInsertHeader:
		msg.InsertHeader(mod.HeaderIndex, mod.HeaderName, mod.HeaderValue)
	case milter.ActionReplaceBody:
		msg.ReplaceBody(mod.Body)
	case milter.ActionAddRcpt:
		sess.AppendRecipient(NewRecipient(milter.RemoveAngle(mod.Rcpt)))
	case milter.ActionDelRcpt:
		sess.RemoveRecipient(milter.RemoveAngle(mod.Rcpt))
	case milter.ActionChangeFrom:
		sess.SetSender(NewSender(milter.RemoveAngle(mod.From)))
	case milter.ActionQuarantine:
		sess.SetQuarantineReason(mod.Reason)
	}
}
