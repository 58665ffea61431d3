package sage

import (
	"log/slog"
	"strings"
)

// RuntimeConfig holds bot settings mutable at runtime through the API,
// persisted as a single row. The Postgres notifier (or the sqlite channel)
// tells a running bot to reload this row after another process writes it.
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// AutoResponseEnabled globally enables automatic FAQ replies to
	// incoming messages. When false the bot still connects and serves
	// the API, but never answers.
	AutoResponseEnabled bool `json:"auto_response_enabled" gorm:"default:true"`

	// DisabledChannelIDs is a comma-joined list of channel IDs the bot
	// must stay silent in even while auto-response is enabled.
	DisabledChannelIDs string `json:"disabled_channel_ids"`
}

func (RuntimeConfig) TableName() string {
	return "runtime_config"
}

func (c RuntimeConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("auto_response_enabled", c.AutoResponseEnabled),
		slog.String("disabled_channel_ids", c.DisabledChannelIDs),
	)
}

// ChannelDisabled reports whether the given channel is on the disabled list.
func (c RuntimeConfig) ChannelDisabled(channelID string) bool {
	if c.DisabledChannelIDs == "" || channelID == "" {
		return false
	}
	for _, id := range strings.Split(c.DisabledChannelIDs, ",") {
		if strings.TrimSpace(id) == channelID {
			return true
		}
	}
	return false
}

// SetDisabledChannels replaces the disabled-channel list.
func (c *RuntimeConfig) SetDisabledChannels(channelIDs []string) {
	trimmed := make([]string, 0, len(channelIDs))
	for _, id := range channelIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			trimmed = append(trimmed, id)
		}
	}
	c.DisabledChannelIDs = strings.Join(trimmed, ",")
}

// DisabledChannels returns the disabled-channel list as a slice.
func (c RuntimeConfig) DisabledChannels() []string {
	if c.DisabledChannelIDs == "" {
		return nil
	}
	ids := strings.Split(c.DisabledChannelIDs, ",")
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func defaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{AutoResponseEnabled: true}
}
