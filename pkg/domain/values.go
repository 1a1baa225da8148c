package domain

// ---------------------------------------------------------------------------
// Shared value objects — used across bounded contexts
// ---------------------------------------------------------------------------

// ChannelType identifies the chat platform a message arrived on or is
// addressed to.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelWebhook  ChannelType = "webhook"
	ChannelConsole  ChannelType = "console"
)

// AllChannelTypes returns all known channel types.
func AllChannelTypes() []ChannelType {
	return []ChannelType{
		ChannelSlack, ChannelTelegram, ChannelDiscord,
		ChannelWebhook, ChannelConsole,
	}
}

// String implements fmt.Stringer.
func (ct ChannelType) String() string { return string(ct) }

// Valid returns true if the channel type is recognized.
func (ct ChannelType) Valid() bool {
	for _, t := range AllChannelTypes() {
		if t == ct {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------

// Metadata is a generic key-value map for extensible message properties.
// It is the open extension point for platform-specific fields that have
// no canonical home.
type Metadata map[string]string

// Get returns a metadata value, or empty string if not present.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return m[key]
}

// Set writes a metadata key-value pair. Initializes the map if nil.
func (m *Metadata) Set(key, value string) {
	if *m == nil {
		*m = make(Metadata)
	}
	(*m)[key] = value
}

// Clone returns an independent copy of the metadata map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
