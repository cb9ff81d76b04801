package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_KnownProviders(t *testing.T) {
	m, err := New("anthropic", "key", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", m.Name())

	m, err = New("openai", "key", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", m.Name())
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("mystery", "key", "m")
	assert.Error(t, err)

	_, err = New("anthropic", "", "m")
	assert.Error(t, err)

	_, err = New("anthropic", "key", "")
	assert.Error(t, err)
}
