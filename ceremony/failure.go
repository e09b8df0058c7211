package ceremony

import (
	"fmt"
	"strings"
)

// Reason is the closed set of causes a ceremony can fail with.
type Reason uint8

const (
	ReasonInvalidCommitment Reason = iota + 1
	ReasonInvalidSecretShare
	ReasonInvalidComplaint
	ReasonInvalidBlameResponse
	ReasonKeyNotCompatible
	ReasonBroadcastInconsistency
	ReasonBroadcastInsufficientMessages
	ReasonBroadcastInsufficientVerificationMessages
	// ReasonExpiredBeforeBeingAuthorised is the ceremony timeout: peers
	// sent messages for a ceremony that was never requested locally.
	ReasonExpiredBeforeBeingAuthorised
	ReasonUnknownKey
	ReasonNotEnoughSigners
	ReasonInvalidParticipants
	ReasonInvalidSigShare
	ReasonInvalidNumberOfPayloads
	ReasonNotParticipatingInUnauthorisedCeremony
)

var reasonNames = map[Reason]string{
	ReasonInvalidCommitment:                         "invalid_commitment",
	ReasonInvalidSecretShare:                        "invalid_secret_share",
	ReasonInvalidComplaint:                          "invalid_complaint",
	ReasonInvalidBlameResponse:                      "invalid_blame_response",
	ReasonKeyNotCompatible:                          "key_not_compatible",
	ReasonBroadcastInconsistency:                    "broadcast_inconsistency",
	ReasonBroadcastInsufficientMessages:             "broadcast_insufficient_messages",
	ReasonBroadcastInsufficientVerificationMessages: "broadcast_insufficient_verification_messages",
	ReasonExpiredBeforeBeingAuthorised:              "expired_before_being_authorised",
	ReasonUnknownKey:                                "unknown_key",
	ReasonNotEnoughSigners:                          "not_enough_signers",
	ReasonInvalidParticipants:                       "invalid_participants",
	ReasonInvalidSigShare:                           "invalid_sig_share",
	ReasonInvalidNumberOfPayloads:                   "invalid_number_of_payloads",
	ReasonNotParticipatingInUnauthorisedCeremony:    "not_participating_in_unauthorised_ceremony",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Failure is the outcome of a ceremony that did not complete. Blamed lists
// the parties held responsible, possibly none.
type Failure struct {
	Blamed []AccountID
	Reason Reason
	// Stage is the name of the stage the ceremony failed in, empty when
	// it failed before any stage ran.
	Stage string
}

// NewFailure creates a failure outside of any stage.
func NewFailure(reason Reason, blamed ...AccountID) *Failure {
	return &Failure{Blamed: blamed, Reason: reason}
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString("ceremony failed: ")
	b.WriteString(f.Reason.String())
	if f.Stage != "" {
		b.WriteString(" in ")
		b.WriteString(f.Stage)
	}
	if len(f.Blamed) > 0 {
		b.WriteString(", blamed [")
		for i, a := range f.Blamed {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(a.String())
		}
		b.WriteString("]")
	}
	return b.String()
}
