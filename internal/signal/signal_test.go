package signal

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warthog618/go-gpiocdev"
)

func TestManual_TriggerRequiresArm(t *testing.T) {
	m := NewManual()
	assert.False(t, m.Trigger(time.Now()))

	var got []time.Time
	require.NoError(t, m.Arm(func(ts time.Time) { got = append(got, ts) }))
	assert.True(t, m.Armed())

	ts := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.True(t, m.Trigger(ts))
	require.Len(t, got, 1)
	assert.Equal(t, ts, got[0])

	require.NoError(t, m.Disarm())
	require.NoError(t, m.Disarm())
	assert.False(t, m.Trigger(ts))
}

func TestManual_ArmErrIsOneShot(t *testing.T) {
	m := NewManual()
	m.ArmErr = errors.New("busy")

	assert.Error(t, m.Arm(func(time.Time) {}))
	assert.NoError(t, m.Arm(func(time.Time) {}))
}

// ============================================================================
// GPIO
// ============================================================================

// fakeLine 取代真實的 gpiochip，保留請求參數並可注入事件
type fakeLine struct {
	mu       sync.Mutex
	requests []lineRequest
	closed   atomic.Int32
	err      error
}

func (f *fakeLine) request(req lineRequest) (io.Closer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f, nil
}

func (f *fakeLine) Close() error {
	f.closed.Add(1)
	return nil
}

// emit delivers an event to the most recent request's handler, the way the
// library's watcher goroutine does.
func (f *fakeLine) emit(typ gpiocdev.LineEventType) {
	f.mu.Lock()
	h := f.requests[len(f.requests)-1].handler
	f.mu.Unlock()
	h(gpiocdev.LineEvent{Offset: 17, Type: typ})
}

func newTestGPIO(line *fakeLine, cfg GPIOConfig) *GPIO {
	d := NewGPIO(cfg, nil)
	d.request = line.request
	return d
}

func TestGPIO_RequestFailureIsHardwareUnavailable(t *testing.T) {
	line := &fakeLine{err: errors.New("open /dev/gpiochip0: no such file or directory")}
	d := newTestGPIO(line, GPIOConfig{Pin: 17})

	err := d.Arm(func(time.Time) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHardwareUnavailable)
	assert.Contains(t, err.Error(), "gpiochip0 line 17")
	assert.NoError(t, d.Disarm(), "disarming an unarmed detector is a no-op")
}

func TestGPIO_RequestsRisingEdgeLine(t *testing.T) {
	line := &fakeLine{}
	d := newTestGPIO(line, GPIOConfig{Chip: "gpiochip4", Pin: 22, Debounce: 200 * time.Millisecond})

	require.NoError(t, d.Arm(func(time.Time) {}))
	defer d.Disarm()

	require.Len(t, line.requests, 1)
	req := line.requests[0]
	assert.Equal(t, "gpiochip4", req.chip)
	assert.Equal(t, 22, req.offset)
	assert.Equal(t, 200*time.Millisecond, req.debounce)
	assert.NotNil(t, req.handler)
}

func TestGPIO_DefaultsToFirstChip(t *testing.T) {
	d := NewGPIO(GPIOConfig{Pin: 17, Debounce: -time.Second}, nil)
	assert.Equal(t, DefaultChip, d.cfg.Chip)
	assert.Zero(t, d.cfg.Debounce)
}

func TestGPIO_DispatchesRisingEdgesInOrder(t *testing.T) {
	line := &fakeLine{}
	d := newTestGPIO(line, GPIOConfig{Pin: 17})
	var tick atomic.Int64
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }

	var mu sync.Mutex
	var got []time.Time
	require.NoError(t, d.Arm(func(ts time.Time) {
		mu.Lock()
		got = append(got, ts)
		mu.Unlock()
	}))
	defer d.Disarm()

	line.emit(gpiocdev.LineEventRisingEdge)
	line.emit(gpiocdev.LineEventFallingEdge)
	line.emit(gpiocdev.LineEventRisingEdge)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Time{base.Add(time.Second), base.Add(2 * time.Second)}, got,
		"falling edges are not stamped or reported")
}

func TestGPIO_RearmReleasesPreviousLine(t *testing.T) {
	line := &fakeLine{}
	d := newTestGPIO(line, GPIOConfig{Pin: 17})

	require.NoError(t, d.Arm(func(time.Time) {}))
	require.NoError(t, d.Arm(func(time.Time) {}))
	assert.Equal(t, int32(1), line.closed.Load())

	require.NoError(t, d.Disarm())
	require.NoError(t, d.Disarm())
	assert.Equal(t, int32(2), line.closed.Load(), "each requested line is closed exactly once")
}

func TestGPIO_DisarmWhileHandlerBlocked(t *testing.T) {
	line := &fakeLine{}
	d := newTestGPIO(line, GPIOConfig{Pin: 17})

	// 模擬 Recorder：Stop 持有鎖時呼叫 Disarm，而回呼正在等待同一把鎖
	var recorderMu sync.Mutex
	entered := make(chan struct{}, 4)
	var handled atomic.Int32
	require.NoError(t, d.Arm(func(time.Time) {
		entered <- struct{}{}
		recorderMu.Lock()
		handled.Add(1)
		recorderMu.Unlock()
	}))

	recorderMu.Lock()
	line.emit(gpiocdev.LineEventRisingEdge)
	<-entered

	done := make(chan struct{})
	go func() {
		// 事件回呼在 Disarm 期間持續送入，不能卡住 Close
		for i := 0; i < 32; i++ {
			line.emit(gpiocdev.LineEventRisingEdge)
		}
		close(done)
	}()

	disarmed := make(chan error, 1)
	go func() { disarmed <- d.Disarm() }()
	select {
	case err := <-disarmed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Disarm blocked on a running handler")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event delivery blocked after Disarm")
	}
	recorderMu.Unlock()

	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load(), "no edge is dispatched after Disarm")
}
