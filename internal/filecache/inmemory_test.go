package filecache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildInMemoryPayloadCompressesCompressibleData(t *testing.T) {
	data := bytes.Repeat([]byte("a"), 4096)
	p, err := buildInMemoryPayload(data)
	require.NoError(t, err)
	require.NotNil(t, p.Compressed)
	assert.Less(t, len(p.Compressed)+deflateHeaderCost, len(data))

	body, deflated := p.Select(true)
	assert.True(t, deflated)
	assert.Equal(t, p.Compressed, body)

	body, deflated = p.Select(false)
	assert.False(t, deflated)
	assert.Equal(t, data, body)
}

func TestBuildInMemoryPayloadDropsCompressionWhenNotWorthwhile(t *testing.T) {
	data := []byte("hi")
	p, err := buildInMemoryPayload(data)
	require.NoError(t, err)
	assert.Nil(t, p.Compressed)

	body, deflated := p.Select(true)
	assert.False(t, deflated)
	assert.Equal(t, data, body)
}
