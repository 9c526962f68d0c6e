package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("X402_CIRCLE_RESERVE_MODE", "")
	t.Setenv("PROXY_OPS_TOKENS", "")

	c := Load()
	assert.Equal(t, "8080", c.Port)
	assert.Equal(t, ReserveModeStub, c.ReserveMode)
	assert.Nil(t, c.OpsTokens)
	assert.False(t, c.RequireExternalReserve)
}

func TestLoad_OpsTokensSplit(t *testing.T) {
	t.Setenv("PROXY_OPS_TOKENS", "tok-a, tok-b ,tok-c")
	c := Load()
	assert.Equal(t, []string{"tok-a", "tok-b", "tok-c"}, c.OpsTokens)
}

func TestLoad_ReserveModeOverride(t *testing.T) {
	t.Setenv("X402_CIRCLE_RESERVE_MODE", "production")
	t.Setenv("X402_REQUIRE_EXTERNAL_RESERVE", "true")
	c := Load()
	assert.Equal(t, ReserveModeProduction, c.ReserveMode)
	assert.True(t, c.RequireExternalReserve)
}
