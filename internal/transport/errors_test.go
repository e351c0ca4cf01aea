package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Replicant-Partners/Chrysalis/internal/codec"
)

func TestErrorFormatting(t *testing.T) {
	err := newError(CodeSendFailed, "10.0.0.1:7946", errors.New("boom"))
	assert.Equal(t, "SEND_FAILED: 10.0.0.1:7946: boom", err.Error())

	err = newError(CodeSerialization, "", errors.New("bad frame"))
	assert.Equal(t, "SERIALIZATION: bad frame", err.Error())
}

func TestCode(t *testing.T) {
	base := newError(CodeNotConnected, "b", errors.New("no open connection"))
	wrapped := fmt.Errorf("send to b: %w", base)

	assert.Equal(t, CodeNotConnected, Code(base))
	assert.Equal(t, CodeNotConnected, Code(wrapped))
	assert.Equal(t, ErrorCode(""), Code(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), Code(nil))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(newError(CodeTimeout, "a", errors.New("slow"))))
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(fmt.Errorf("post: %w", context.DeadlineExceeded)))
	assert.False(t, IsTimeout(context.Canceled))
	assert.False(t, IsTimeout(newError(CodeSendFailed, "a", errors.New("refused"))))
	assert.False(t, IsTimeout(nil))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"too large", fmt.Errorf("encode: %w", codec.ErrTooLarge), CodeMessageTooLarge},
		{"other", errors.New("connection refused"), CodeConnectionFailed},
		{"already coded", newError(CodeNotConnected, "x", errors.New("gone")), CodeNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("addr", CodeConnectionFailed, tt.err)
			assert.Equal(t, tt.want, got.Code)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestEncodeError(t *testing.T) {
	assert.Equal(t, CodeMessageTooLarge, encodeError("a", codec.ErrTooLarge).Code)
	assert.Equal(t, CodeSerialization, encodeError("a", errors.New("cbor")).Code)
}
