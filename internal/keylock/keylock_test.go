package keylock

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sasha-s/go-deadlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("record-1")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, l.Len(), "entries are released once unused")
}

func TestLockIndependentKeys(t *testing.T) {
	l := New()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, l.Len())
}

func TestConfigureDetection(t *testing.T) {
	saved := deadlock.Opts
	t.Cleanup(func() { deadlock.Opts = saved })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	Configure(Detection{}, logger)
	assert.True(t, deadlock.Opts.Disable)
	assert.Zero(t, deadlock.Opts.DeadlockTimeout)

	Configure(Detection{Enabled: true, Timeout: time.Minute}, logger)
	assert.False(t, deadlock.Opts.Disable)
	assert.Equal(t, time.Minute, deadlock.Opts.DeadlockTimeout)

	require.NotNil(t, deadlock.Opts.OnPotentialDeadlock)
	deadlock.Opts.OnPotentialDeadlock()
	assert.Contains(t, buf.String(), "potential deadlock detected")
	assert.Contains(t, buf.String(), "timeout=1m0s")
}
