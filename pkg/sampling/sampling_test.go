package sampling

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/benfred/py-spy/pkg/process"
)

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.Out = io.Discard
	return logrus.NewEntry(logger)
}

type fakeHandle struct {
	suspendCalls int
	resumeCalls  int
}

func (f *fakeHandle) Pid() int                                            { return 1 }
func (f *fakeHandle) Attach(ctx context.Context) error                    { return nil }
func (f *fakeHandle) Detach() error                                       { return nil }
func (f *fakeHandle) Suspend() error                                      { f.suspendCalls++; return nil }
func (f *fakeHandle) Resume() error                                       { f.resumeCalls++; return nil }
func (f *fakeHandle) Regions() ([]process.Region, error)                  { return nil, nil }
func (f *fakeHandle) Threads() ([]process.Thread, error)                  { return nil, nil }
func (f *fakeHandle) ReadMemory(addr uint64, buf []byte) error            { return nil }
func (f *fakeHandle) ReadCString(addr uint64, maxLen int) ([]byte, error) { return nil, nil }
func (f *fakeHandle) ChildPids() ([]int, error)                           { return nil, nil }
func (f *fakeHandle) Close() error                                        { return nil }

func newTestLoop() *Loop {
	return New(1, Options{Period: time.Millisecond}, testLogger(), nil)
}

func TestSuspendResumeBalanceSurvivesPanic(t *testing.T) {
	l := newTestLoop()
	h := &fakeHandle{}

	func() {
		defer func() { _ = recover() }()
		assert.NoError(t, l.suspend(h))
		defer l.resume(h)
		panic("injected failure mid-tick")
	}()

	assert.Equal(t, 0, l.Stats().SuspendDepth)
	assert.Equal(t, 1, h.suspendCalls)
	assert.Equal(t, 1, h.resumeCalls)
}

func TestSuspendResumeBalanceNormalPath(t *testing.T) {
	l := newTestLoop()
	h := &fakeHandle{}

	assert.NoError(t, l.suspend(h))
	assert.Equal(t, 1, l.Stats().SuspendDepth)
	l.resume(h)
	assert.Equal(t, 0, l.Stats().SuspendDepth)
}

func TestJitterWithinBounds(t *testing.T) {
	period := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := jitter(period, 0.1)
		assert.GreaterOrEqual(t, got, 90*time.Millisecond)
		assert.LessOrEqual(t, got, 110*time.Millisecond)
	}
}

func TestJitterZeroFractionIsExact(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, jitter(50*time.Millisecond, 0))
}

func TestStatsDefaultZero(t *testing.T) {
	l := newTestLoop()
	stats := l.Stats()
	assert.Zero(t, stats.SamplesEmitted)
	assert.Zero(t, stats.SamplesDropped)
	assert.Zero(t, stats.SuspendDepth)
}
