// Package notify builds and delivers webhook notifications for relayd.
//
// Outbound messages use the Discord-compatible embed shape: a JSON
// document {"embeds":[...]} posted with Content-Type application/json.
// Delivery is fire-and-forget; failures are logged and dropped, never
// retried.
package notify

// -------------------------------------------------------------------------
// Webhook Message Shapes
// -------------------------------------------------------------------------

// Embed colors, as 24-bit RGB integers.
const (
	ColorJoin  = 0x57F287 // green
	ColorLeave = 0xED4245 // red
	ColorInfo  = 0x5865F2 // blue
)

// Message is the top-level webhook payload.
type Message struct {
	Embeds []Embed `json:"embeds"`
}

// Embed is a single rich-content block inside a Message.
type Embed struct {
	Title       string  `json:"title,omitempty"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color"`
	Timestamp   string  `json:"timestamp,omitempty"`
	Fields      []Field `json:"fields,omitempty"`
	Footer      *Footer `json:"footer,omitempty"`
}

// Field is a name/value pair rendered inside an Embed.
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Footer is the small trailer line of an Embed.
type Footer struct {
	Text string `json:"text"`
}
