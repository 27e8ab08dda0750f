package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystem(t *testing.T) {
	tests := map[string]System{
		"AARCH64_LINUX":  Aarch64Linux,
		"aarch64-linux":  Aarch64Linux,
		"aarch64-macos":  Aarch64Darwin,
		"AARCH64_DARWIN": Aarch64Darwin,
		"x86_64-linux":   X8664Linux,
		"X8664_LINUX":    X8664Linux,
		"x86_64-macos":   X8664Darwin,
		" x86_64-darwin": X8664Darwin,
	}
	for raw, want := range tests {
		got, err := ParseSystem(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := ParseSystem("riscv64-linux")
	assert.Error(t, err)
	_, err = ParseSystem("UNKNOWN_SYSTEM")
	assert.Error(t, err)
}

func TestSystem_TextRoundTrip(t *testing.T) {
	b, err := json.Marshal([]System{X8664Linux, Aarch64Darwin})
	require.NoError(t, err)
	assert.JSONEq(t, `["X8664_LINUX","AARCH64_DARWIN"]`, string(b))

	var back []System
	require.NoError(t, json.Unmarshal([]byte(`["x86_64-linux","AARCH64_DARWIN"]`), &back))
	assert.Equal(t, []System{X8664Linux, Aarch64Darwin}, back)

	_, err = json.Marshal(SystemUnknown)
	assert.Error(t, err)
}

func TestSystemFor(t *testing.T) {
	assert.Equal(t, X8664Linux, systemFor("amd64", "linux"))
	assert.Equal(t, Aarch64Darwin, systemFor("arm64", "darwin"))
	assert.Equal(t, SystemUnknown, systemFor("amd64", "windows"))
	assert.Equal(t, "x86_64-linux", X8664Linux.Slug())
	assert.False(t, SystemUnknown.Valid())
}
