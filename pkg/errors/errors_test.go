package errors

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"without cause", New(ErrorTypeConfig, "bad chunk size"), "config: bad chunk size"},
		{"with cause", Wrap(io.EOF, ErrorTypeSourceFetch, "read chunk"), "source_fetch: read chunk: EOF"},
		{"formatted", Newf(ErrorTypeValidation, "value %d", 3), "validation: value 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeInternal, "nothing"))
	assert.Nil(t, Wrapf(nil, ErrorTypeInternal, "nothing %d", 1))
}

func TestWrap_PreservesStackAndDetails(t *testing.T) {
	inner := New(ErrorTypeConversion, "too many studies").WithDetail(DetailReason, "too_large")
	outer := Wrap(inner, ErrorTypeConversion, "convert investigation 7")

	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, "too_large", outer.Reason())
	assert.True(t, stderrors.Is(outer, inner))
}

func TestIsType(t *testing.T) {
	err := Wrap(io.EOF, ErrorTypeUpload, "post arc")

	assert.True(t, IsType(err, ErrorTypeUpload))
	assert.False(t, IsType(err, ErrorTypeConversion))
	assert.False(t, IsType(io.EOF, ErrorTypeUpload))
	assert.Equal(t, ErrorTypeUpload, GetType(err))
	assert.Equal(t, ErrorTypeInternal, GetType(io.EOF))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "refused")))
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "deadline")))
	assert.False(t, IsRetryable(New(ErrorTypeSourceFetch, "query failed")))
	assert.False(t, IsRetryable(io.EOF))
}

func TestReason_Default(t *testing.T) {
	assert.Equal(t, "error", New(ErrorTypeConversion, "boom").Reason())
	assert.Equal(t, "error", ReasonOf(io.EOF))

	var target *Error
	require.True(t, As(New(ErrorTypeUpload, "x").WithDetail(DetailReason, "http_status"), &target))
	assert.Equal(t, "http_status", target.Reason())
}

func TestCaptureStack(t *testing.T) {
	err := New(ErrorTypeInternal, "with stack")
	require.NotEmpty(t, err.Stack)
	assert.Contains(t, err.Stack[0].Function, "TestCaptureStack")
}
