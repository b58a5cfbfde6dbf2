package utils

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecoverCatchesPanic(t *testing.T) {
	panicked := Recover(zap.NewNop(), "boom", func() { panic("boom") })
	assert.True(t, panicked)

	panicked = Recover(nil, "calm", func() {})
	assert.False(t, panicked)
}

func TestSafeGoRuns(t *testing.T) {
	var ran atomic.Bool
	done := make(chan struct{})
	SafeGo(zap.NewNop(), "worker", func() {
		defer close(done)
		ran.Store(true)
		panic("ignored")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	assert.True(t, ran.Load())
}

func TestJSONHelpers(t *testing.T) {
	type record struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}

	data, err := ToJSONBytes(record{Name: "a", N: 2})
	require.NoError(t, err)

	got, err := FromJSONBytes[record](data)
	require.NoError(t, err)
	assert.Equal(t, record{Name: "a", N: 2}, got)

	_, err = FromJSONBytes[record]([]byte("{"))
	assert.Error(t, err)
}
