package bonderr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := NotFound("post", "p1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrPermission))

	wrapped := fmt.Errorf("delete comment: %w", Permission("only the author can delete"))
	assert.True(t, errors.Is(wrapped, ErrPermission))
	assert.Equal(t, CodePermission, CodeOf(wrapped))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: CodeUnknown},
		{name: "validation", err: Validation("message is empty"), want: CodeValidation},
		{name: "unavailable", err: Unavailable("send", errors.New("eof")), want: CodeUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := Unavailable("send message", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "send message: deadline exceeded", err.Error())
}
