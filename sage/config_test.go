package sage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "some-token"
	require.NoError(t, cfg.Validate())

	t.Run(
		"missing token", func(t *testing.T) {
			cfg := DefaultConfig()
			assert.Error(t, cfg.Validate())
		},
	)

	t.Run(
		"bad database type", func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Discord.Token = "some-token"
			cfg.DatabaseType = "mysql"
			assert.Error(t, cfg.Validate())
		},
	)

	t.Run(
		"bad listen address", func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Discord.Token = "some-token"
			cfg.API.Listen = "not-an-address"
			assert.Error(t, cfg.Validate())
		},
	)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, dbTypeSQLite, cfg.DatabaseType)
	assert.Equal(t, DefaultRateLimitWindow, cfg.FAQ.RateLimitWindow)
	assert.Equal(t, DefaultRateLimitMaxPerWindow, cfg.FAQ.RateLimitMaxPerWindow)
	assert.Equal(t, DefaultAnswerCooldown, cfg.FAQ.AnswerCooldown)
	assert.Equal(t, DefaultFeedbackWindow, cfg.FAQ.FeedbackWindow)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.NotNil(t, cfg.Discord)
	assert.NotEmpty(t, cfg.API.CORS.AllowMethods)
}
