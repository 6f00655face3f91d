package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New(ErrorTypeDecode, "unexpected character")
	assert.Equal(t, "decode: unexpected character", err.Error())
	assert.NotEmpty(t, err.Stack)

	err = Newf(ErrorTypeWrite, "format %q does not support append mode", "geoparquet")
	assert.Contains(t, err.Error(), `"geoparquet"`)
}

func TestWrapPreservesCauseAndStack(t *testing.T) {
	cause := fmt.Errorf("short read")
	wrapped := Wrap(cause, ErrorTypeIO, "failed to read source")

	assert.Equal(t, "io: failed to read source: short read", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)

	// Wrapping one of ours keeps the original capture site.
	inner := New(ErrorTypeDecode, "truncated input")
	outer := Wrap(inner, ErrorTypeIO, "decode stage failed")
	assert.Equal(t, inner.Stack, outer.Stack)

	assert.Nil(t, Wrap(nil, ErrorTypeIO, "ignored"))
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypeConfig, "bad mode")
	assert.True(t, IsType(err, ErrorTypeConfig))
	assert.False(t, IsType(err, ErrorTypeDecode))

	wrapped := Wrap(err, ErrorTypeInternal, "planning failed")
	assert.True(t, IsType(wrapped, ErrorTypeInternal))

	assert.False(t, IsType(fmt.Errorf("plain"), ErrorTypeConfig))
	assert.False(t, IsType(nil, ErrorTypeConfig))
}

func TestOffset(t *testing.T) {
	err := New(ErrorTypeDecode, "record exceeds maximum size").WithOffset(4096)

	off, ok := Offset(err)
	require.True(t, ok)
	assert.Equal(t, int64(4096), off)

	_, ok = Offset(New(ErrorTypeDecode, "no offset"))
	assert.False(t, ok)
	_, ok = Offset(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeGeometry, "unsupported type").
		WithDetail("geometry_type", "CircularString")
	assert.Equal(t, "CircularString", err.Details["geometry_type"])
}
