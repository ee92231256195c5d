package bus

// Well-known channel names shared by both ends. The management side
// publishes on the request channel and listens on the reply channel; the
// bridge daemon does the opposite.
const (
	ChannelRequest = "errbridge.request"
	ChannelReply   = "errbridge.reply"
)

// Actions are the closed set of envelope discriminants. Both ends are built
// against this list; changing it is a breaking protocol change with no
// negotiation mechanism.
const (
	ActionCheckActive = "bridge.check_active"
	ActionActive      = "bridge.active"

	ActionFetch  = "records.fetch"
	ActionList   = "records.list"
	ActionRemove = "records.remove"
	ActionRemAck = "records.remove_ack"
	ActionClear  = "records.clear"
	ActionClrAck = "records.clear_ack"

	// ActionReport flows host process -> daemon and has no reply.
	ActionReport = "records.report"
)

// Payload keys. Each action that carries a payload always uses the same key
// and the same payload shape.
const (
	KeyActive  = "active"
	KeyRecord  = "record"
	KeyRecords = "records"
)

// activeValue is the constant a bridge.active payload must equal for the
// bridge to count as active. Any other value, or an undecodable payload,
// reads as inactive.
const activeValue = true
