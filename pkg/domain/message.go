package domain

// ---------------------------------------------------------------------------
// Canonical message — the normalized inbound event record
// ---------------------------------------------------------------------------

// Well-known message types produced by classification. A platform
// subtype with no special case passes through verbatim, so this list is
// not closed.
const (
	// TypeMessage is the generic pre-classification tag. The categorize
	// stage always replaces it before dispatch.
	TypeMessage = "message"

	TypeDirectMessage   = "direct_message"
	TypeDirectMention   = "direct_mention"
	TypeMention         = "mention"
	TypeAmbient         = "ambient"
	TypeSlashCommand    = "slash_command"
	TypeOutgoingWebhook = "outgoing_webhook"

	TypeBotChannelJoin  = "bot_channel_join"
	TypeUserChannelJoin = "user_channel_join"

	// TypeConversationUpdate is a roster-change event that fans out into
	// one synthetic join/leave event per affected member.
	TypeConversationUpdate = "conversationUpdate"
	TypeMemberJoin         = "user_channel_join"
	TypeMemberLeave        = "user_channel_leave"
	TypeBotJoin            = "bot_channel_join"
	TypeBotLeave           = "bot_channel_leave"
)

// MessageFamily reports whether a type takes part in conversation
// continuity. Only these types are checked against active conversations
// before normal trigger dispatch.
func MessageFamily(msgType string) bool {
	switch msgType {
	case TypeMessage, TypeDirectMessage, TypeDirectMention, TypeMention,
		TypeAmbient, TypeSlashCommand, TypeOutgoingWebhook:
		return true
	}
	return false
}

// Reference carries the bot's identity plus enough addressing to send a
// reply without re-deriving it from the raw payload.
type Reference struct {
	Platform ChannelType `json:"platform"`
	BotID    string      `json:"bot_id"`
	BotName  string      `json:"bot_name,omitempty"`
	User     string      `json:"user,omitempty"`
	Channel  string      `json:"channel,omitempty"`
	Metadata Metadata    `json:"metadata,omitempty"`
}

// Message is the canonical, platform-independent representation of an
// inbound event. Adapters populate Raw and the platform hints; the
// normalize and categorize middleware stages fill in the rest.
type Message struct {
	ID   EntityID `json:"id"`
	Type string   `json:"type"`

	User    string `json:"user"`
	Channel string `json:"channel"`
	Text    string `json:"text,omitempty"`

	// Subtype is a platform-reported system event kind (channel_join,
	// message_changed, ...). Consumed by the categorize stage.
	Subtype string `json:"subtype,omitempty"`

	// DirectChannel marks a 1:1 conversation with the bot.
	DirectChannel bool `json:"direct_channel,omitempty"`

	// Joined and Left carry roster deltas for conversationUpdate
	// events. The categorize stage fans them out into per-member
	// join/leave events.
	Joined []string `json:"joined,omitempty"`
	Left   []string `json:"left,omitempty"`

	// Raw retains the unmodified platform payload for handlers that
	// need platform-specific fields.
	Raw interface{} `json:"-"`

	// Matches holds the capture groups of the trigger pattern that
	// routed this message, when that pattern was regexp-backed.
	Matches []string `json:"-"`

	Reference *Reference `json:"reference,omitempty"`
	Metadata  Metadata   `json:"metadata,omitempty"`

	ReceivedAt Timestamp `json:"received_at"`
}

// NewMessage creates a canonical message shell for an inbound payload.
// Type starts as the generic message tag until categorize runs.
func NewMessage(platform ChannelType, raw interface{}) *Message {
	return &Message{
		ID:         NewID(),
		Type:       TypeMessage,
		Raw:        raw,
		Reference:  &Reference{Platform: platform},
		ReceivedAt: Now(),
	}
}

// HasText reports whether the message carries content. A message-shaped
// event without text is treated as an edit and never dispatched.
func (m *Message) HasText() bool { return m.Text != "" }

// SelfAuthored reports whether the acting user is the bot itself.
func (m *Message) SelfAuthored() bool {
	return m.Reference != nil && m.Reference.BotID != "" && m.User == m.Reference.BotID
}

// Clone returns a shallow copy with independent metadata, used when one
// inbound event fans out into several synthetic sub-events.
func (m *Message) Clone() *Message {
	out := *m
	out.ID = NewID()
	out.Metadata = m.Metadata.Clone()
	if m.Reference != nil {
		ref := *m.Reference
		out.Reference = &ref
	}
	return &out
}

// ---------------------------------------------------------------------------
// Outbound message
// ---------------------------------------------------------------------------

// Outbound is the canonical outbound message. The send middleware stage
// may transform Text and Metadata; the format stage maps the result
// onto the platform wire shape in Wire.
type Outbound struct {
	Platform ChannelType `json:"platform"`
	Channel  string      `json:"channel"`
	User     string      `json:"user,omitempty"`
	Text     string      `json:"text"`
	Metadata Metadata    `json:"metadata,omitempty"`

	// Wire is the platform-specific payload produced by the format
	// stage. Adapters may use it instead of the canonical fields.
	Wire interface{} `json:"-"`
}
