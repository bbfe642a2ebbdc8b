package enums

import "slices"

// MessageSender identifies which side of a ledger wrote a message.
type MessageSender string

const (
	MessageSenderSelf  MessageSender = "self"
	MessageSenderOther MessageSender = "other"
)

var validMessageSenders = []MessageSender{
	MessageSenderSelf,
	MessageSenderOther,
}

func (s MessageSender) IsValid() bool {
	return slices.Contains(validMessageSenders, s)
}
