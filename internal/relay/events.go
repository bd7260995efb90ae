package relay

// Event names emitted to clients. These are the wire-level contract of the
// duplex channel; inbound event names live with the transport handler.
const (
	EventError             = "error"
	EventUpdateUsers       = "updateUsers"
	EventConnectionRequest = "connectionRequest"
	EventPreviousMessages  = "previousMessages"
	EventReceiveMessage    = "receiveMessage"
	EventMessageDeleted    = "messageDeleted"
	EventMessageStatus     = "messageStatus"
	EventMessageEdited     = "messageEdited"
	EventSearchResults     = "searchResults"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
)
