package errors

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WrapsCause(t *testing.T) {
	err := New(KindDelivery, "conn-1", ErrConnectionClosed)
	wrapped := fmt.Errorf("tick: %w", err)

	assert.True(t, Is(wrapped, ErrConnectionClosed))
	assert.Equal(t, KindDelivery, KindOf(wrapped))
	assert.Equal(t, "delivery [conn-1]: connection closed", err.Error())

	var target *Error
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "conn-1", target.ID)
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(ErrBufferFull))
	assert.Equal(t, "unknown", Kind(0).String())
}

func TestErrorCenter_FanOut(t *testing.T) {
	ec := NewErrorCenter()

	var mu sync.Mutex
	var got []error
	for i := 0; i < 2; i++ {
		ec.AddErrorCallback(func(err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, err)
		})
	}

	ec.ReportError(ErrNotConnected)
	ec.ReportError(nil)

	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()

	ec.ClearCallbacks()
	ec.ReportError(ErrNotConnected)

	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}
