package printer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixxel-company-limited/escpos-serial-printer/adapter"
	"github.com/nixxel-company-limited/escpos-serial-printer/adapter/adaptertest"
	"github.com/nixxel-company-limited/escpos-serial-printer/escpos"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func requireStage(t *testing.T, err error, want Stage) {
	t.Helper()
	require.Error(t, err)
	stage, ok := StageOf(err)
	require.True(t, ok, "expected *printer.Error, got %T: %v", err, err)
	assert.Equal(t, want, stage)
}

func (p *Printer) currentState() connState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func TestPrintEmptyBufferSkipsTransport(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)

	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 0, tr.Dials())
	assert.False(t, p.IsOpen())
}

func TestPrintSuccess(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)

	p.Init().Align(escpos.AlignCenter).Text("A").Feed(1)
	want := p.Bytes()

	require.NoError(t, p.Print(context.Background()))

	f := tr.Last()
	require.NotNil(t, f)
	assert.Equal(t, "/dev/ttyTEST0", f.Path)
	assert.Equal(t, 9600, f.BaudRate)
	assert.Equal(t, 1, f.Opens())
	assert.Equal(t, [][]byte{want}, f.Written())
	assert.Equal(t, 1, f.Drains())
	assert.Empty(t, p.Pending())
	assert.True(t, p.IsOpen())

	// The buffer is empty now, so this is a no-op.
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 1, f.Writes())

	// A second job reuses the open connection.
	p.Text("B")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 1, tr.Dials())
	assert.Equal(t, [][]byte{want, []byte("B\n")}, f.Written())
}

func TestPrintFailureKeepsBufferAndRetries(t *testing.T) {
	boom := errors.New("boom")

	testCases := []struct {
		name      string
		stage     Stage
		configure func(f *adaptertest.Fake)
	}{
		{"Open", StageOpen, func(f *adaptertest.Fake) { f.OpenErr = boom }},
		{"Write", StageWrite, func(f *adaptertest.Fake) { f.WriteErr = boom }},
		{"Drain", StageDrain, func(f *adaptertest.Fake) { f.DrainErr = boom }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
				if n == 0 {
					tc.configure(f)
				}
			}}
			p := newTestPrinter(t, tr)

			p.Init().Text("retry me").Feed()
			before := p.Pending()

			err := p.Print(context.Background())
			requireStage(t, err, tc.stage)
			assert.ErrorIs(t, err, boom)
			assert.Contains(t, err.Error(), tc.stage.String())

			assert.Equal(t, before, p.Pending())
			assert.False(t, p.IsOpen())
			assert.Equal(t, stateClosed, p.currentState())

			first := tr.Fake(0)
			assert.False(t, first.IsOpen())
			assert.Equal(t, 0, first.ListenerCount(adapter.EventClose))
			assert.Equal(t, 0, first.ListenerCount(adapter.EventError))

			// Retry without rebuilding the job.
			require.NoError(t, p.Print(context.Background()))
			assert.Equal(t, 2, tr.Dials())
			assert.Equal(t, [][]byte{joinFragments(before)}, tr.Fake(1).Written())
			assert.Empty(t, p.Pending())
		})
	}
}

func TestConcurrentOpenSharesOneAttempt(t *testing.T) {
	gate := make(chan struct{})
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.OpenGate = gate
	}}
	p := newTestPrinter(t, tr)
	p.Text("job")

	errs := make(chan error, 3)
	go func() { errs <- p.Open(context.Background()) }()
	go func() { errs <- p.Open(context.Background()) }()
	go func() { errs <- p.Print(context.Background()) }()

	require.Eventually(t, func() bool { return tr.Opens() == 1 }, waitFor, tick)
	assert.Equal(t, stateOpening, p.currentState())
	time.Sleep(20 * time.Millisecond)

	close(gate)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}

	assert.Equal(t, 1, tr.Dials())
	assert.Equal(t, 1, tr.Opens())
	assert.True(t, p.IsOpen())
	assert.Equal(t, [][]byte{[]byte("job\n")}, tr.Last().Written())
}

func TestConcurrentOpenFailureReachesAllWaiters(t *testing.T) {
	gate := make(chan struct{})
	denied := errors.New("permission denied")
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.OpenGate = gate
		f.OpenErr = denied
	}}
	p := newTestPrinter(t, tr)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- p.Open(context.Background()) }()
	}

	require.Eventually(t, func() bool { return tr.Opens() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	close(gate)

	for i := 0; i < 2; i++ {
		err := <-errs
		requireStage(t, err, StageOpen)
		assert.ErrorIs(t, err, denied)
	}
	assert.Equal(t, 1, tr.Opens())
	assert.Equal(t, stateClosed, p.currentState())
}

func TestOpenWhenOpenIsNoop(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)

	require.NoError(t, p.Open(context.Background()))
	require.NoError(t, p.Open(context.Background()))
	assert.Equal(t, 1, tr.Opens())
}

func TestOpenWaiterContextCancelled(t *testing.T) {
	gate := make(chan struct{})
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.OpenGate = gate
	}}
	p := newTestPrinter(t, tr)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- p.Open(ctx) }()

	require.Eventually(t, func() bool { return tr.Opens() == 1 }, waitFor, tick)
	cancel()

	err := <-errs
	requireStage(t, err, StageOpen)
	assert.ErrorIs(t, err, context.Canceled)

	// The open itself carries on for later callers.
	close(gate)
	require.Eventually(t, p.IsOpen, waitFor, tick)
	require.NoError(t, p.Open(context.Background()))
	assert.Equal(t, 1, tr.Dials())
}

func TestCloseWithoutConnection(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 0, tr.Dials())
}

func TestCloseThenPrintReopens(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)

	p.Text("one")
	require.NoError(t, p.Print(context.Background()))

	require.NoError(t, p.Close(context.Background()))
	assert.False(t, p.IsOpen())
	first := tr.Fake(0)
	assert.Equal(t, 1, first.Closes())
	assert.False(t, first.IsOpen())
	assert.Equal(t, 0, first.ListenerCount(adapter.EventClose))

	p.Text("two")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
	assert.Equal(t, 2, tr.Opens())
	assert.Equal(t, [][]byte{[]byte("two\n")}, tr.Fake(1).Written())
}

func TestCloseErrorStillCloses(t *testing.T) {
	stuck := errors.New("device busy")
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.CloseErr = stuck
	}}
	p := newTestPrinter(t, tr)

	require.NoError(t, p.Open(context.Background()))

	err := p.Close(context.Background())
	requireStage(t, err, StageClose)
	assert.ErrorIs(t, err, stuck)
	assert.False(t, p.IsOpen())
	assert.Equal(t, stateClosed, p.currentState())

	// Idempotent: no second transport close.
	require.NoError(t, p.Close(context.Background()))
	assert.Equal(t, 1, tr.Fake(0).Closes())
}

func TestCloseWaitsForInFlightOpen(t *testing.T) {
	gate := make(chan struct{})
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.OpenGate = gate
	}}
	p := newTestPrinter(t, tr)

	go p.Open(context.Background())
	require.Eventually(t, func() bool { return tr.Opens() == 1 }, waitFor, tick)

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before the open settled")
	case <-time.After(30 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-closed)
	assert.False(t, p.IsOpen())
	assert.Equal(t, 1, tr.Fake(0).Closes())
}

func TestCloseTimeoutDuringOpenStillCloses(t *testing.T) {
	gate := make(chan struct{})
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		if n == 0 {
			f.OpenGate = gate
		}
	}}
	p := newTestPrinter(t, tr)

	opened := make(chan error, 1)
	go func() { opened <- p.Open(context.Background()) }()
	require.Eventually(t, func() bool { return tr.Opens() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Close(ctx)
	requireStage(t, err, StageClose)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, stateClosed, p.currentState())

	close(gate)
	err = <-opened
	requireStage(t, err, StageOpen)
	assert.ErrorIs(t, err, ErrDisconnected)

	f := tr.Fake(0)
	assert.Eventually(t, func() bool { return !f.IsOpen() && f.Closes() == 1 }, waitFor, tick)
	assert.Equal(t, stateClosed, p.currentState())
	assert.False(t, p.IsOpen())

	p.Text("after")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
}

func TestUnsolicitedDisconnectReopens(t *testing.T) {
	tr := &adaptertest.Transport{}
	p, logs := newObservedPrinter(t, tr, Config{PortPath: "/dev/ttyTEST0"})

	p.Text("first")
	require.NoError(t, p.Print(context.Background()))

	first := tr.Fake(0)
	first.Disconnect(errors.New("device unplugged"))

	require.Eventually(t, func() bool { return !p.IsOpen() }, waitFor, tick)
	require.Eventually(t, func() bool { return first.ListenerCount(adapter.EventError) == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("transport closed unexpectedly").Len() == 1
	}, waitFor, tick)

	p.Text("second")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
	assert.Equal(t, [][]byte{[]byte("second\n")}, tr.Fake(1).Written())
}

func TestTransportErrorDuringWriteFailsPrint(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		if n == 0 {
			f.WriteGate = gate
		}
	}}
	p := newTestPrinter(t, tr)
	p.Text("stuck")

	errs := make(chan error, 1)
	go func() { errs <- p.Print(context.Background()) }()

	require.Eventually(t, func() bool {
		f := tr.Fake(0)
		return f != nil && f.Writes() == 1
	}, waitFor, tick)

	framing := errors.New("framing error")
	tr.Fake(0).Fail(framing)

	err := <-errs
	requireStage(t, err, StageWrite)
	assert.ErrorIs(t, err, framing)
	assert.Equal(t, [][]byte{[]byte("stuck\n")}, p.Pending())
	assert.False(t, tr.Fake(0).IsOpen())

	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
}

func TestDisconnectDuringWriteFailsPrint(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.WriteGate = gate
	}}
	p := newTestPrinter(t, tr)
	p.Text("stuck")

	errs := make(chan error, 1)
	go func() { errs <- p.Print(context.Background()) }()

	require.Eventually(t, func() bool {
		f := tr.Fake(0)
		return f != nil && f.Writes() == 1
	}, waitFor, tick)
	tr.Fake(0).Disconnect(errors.New("device unplugged"))

	requireStage(t, <-errs, StageWrite)
	assert.Equal(t, [][]byte{[]byte("stuck\n")}, p.Pending())
	assert.Equal(t, stateClosed, p.currentState())
}

func TestTransportErrorDuringDrainFailsPrint(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		if n == 0 {
			f.DrainGate = gate
		}
	}}
	p := newTestPrinter(t, tr)
	p.Text("draining")

	errs := make(chan error, 1)
	go func() { errs <- p.Print(context.Background()) }()

	require.Eventually(t, func() bool {
		f := tr.Fake(0)
		return f != nil && f.Drains() == 1
	}, waitFor, tick)

	overrun := errors.New("overrun error")
	tr.Fake(0).Fail(overrun)

	err := <-errs
	requireStage(t, err, StageDrain)
	assert.ErrorIs(t, err, overrun)
	assert.Equal(t, [][]byte{[]byte("draining\n")}, p.Pending())
	assert.False(t, tr.Fake(0).IsOpen())

	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
	assert.Equal(t, 1, tr.Fake(1).Opens())
	assert.Equal(t, [][]byte{[]byte("draining\n")}, tr.Fake(1).Written())
	assert.Empty(t, p.Pending())
}

func TestDisconnectDuringDrainFailsPrint(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		if n == 0 {
			f.DrainGate = gate
		}
	}}
	p := newTestPrinter(t, tr)
	p.Text("draining")

	errs := make(chan error, 1)
	go func() { errs <- p.Print(context.Background()) }()

	require.Eventually(t, func() bool {
		f := tr.Fake(0)
		return f != nil && f.Drains() == 1
	}, waitFor, tick)
	tr.Fake(0).Disconnect(errors.New("device unplugged"))

	err := <-errs
	requireStage(t, err, StageDrain)
	assert.Equal(t, [][]byte{[]byte("draining\n")}, p.Pending())
	assert.Equal(t, stateClosed, p.currentState())

	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
	assert.Empty(t, p.Pending())
}

func TestStageReportsErrorRaisedAlongsideSuccess(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)
	require.NoError(t, p.Open(context.Background()))

	p.mu.Lock()
	h := p.conn
	p.mu.Unlock()

	parity := errors.New("parity error")
	for i := 0; i < 20; i++ {
		signal(h, parity)
		err := p.runStage(context.Background(), h, StageWrite, func() error { return nil })
		requireStage(t, err, StageWrite)
		assert.ErrorIs(t, err, parity)
		assert.Empty(t, h.errc)
	}
}

func TestPrintContextTimeoutDuringWrite(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		f.WriteGate = gate
	}}
	p := newTestPrinter(t, tr)
	p.Text("slow")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := p.Print(ctx)
	requireStage(t, err, StageWrite)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, [][]byte{[]byte("slow\n")}, p.Pending())
	assert.False(t, p.IsOpen())
	assert.False(t, tr.Fake(0).IsOpen())
}

func TestTransportErrorWhileIdleDropsConnection(t *testing.T) {
	tr := &adaptertest.Transport{}
	p, logs := newObservedPrinter(t, tr, Config{PortPath: "/dev/ttyTEST0"})

	require.NoError(t, p.Open(context.Background()))
	tr.Fake(0).Fail(errors.New("overrun"))

	require.Eventually(t, func() bool { return !p.IsOpen() }, waitFor, tick)
	require.Eventually(t, func() bool { return tr.Fake(0).Closes() == 1 }, waitFor, tick)
	assert.Equal(t, 1, logs.FilterMessage("transport error outside of a print, dropping connection").Len())

	p.Text("after")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
}

func TestReceivedDataIsIgnored(t *testing.T) {
	tr := &adaptertest.Transport{}
	p := newTestPrinter(t, tr)

	require.NoError(t, p.Open(context.Background()))
	tr.Fake(0).Receive([]byte{0x12})
	time.Sleep(20 * time.Millisecond)
	assert.True(t, p.IsOpen())
}

func TestAutoOpen(t *testing.T) {
	tr := &adaptertest.Transport{}
	p, _ := newObservedPrinter(t, tr, DefaultConfig("/dev/ttyTEST0"))

	assert.Equal(t, 1, tr.Dials())
	require.Eventually(t, p.IsOpen, waitFor, tick)

	p.Text("auto")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 1, tr.Dials())
	assert.Equal(t, 1, tr.Opens())
}

func TestAutoOpenFailureRetriesOnPrint(t *testing.T) {
	tr := &adaptertest.Transport{Configure: func(n int, f *adaptertest.Fake) {
		if n == 0 {
			f.OpenErr = errors.New("no such file or directory")
		}
	}}
	p, logs := newObservedPrinter(t, tr, DefaultConfig("/dev/ttyTEST0"))

	require.Eventually(t, func() bool {
		return tr.Opens() == 1 && p.currentState() == stateClosed
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("auto open failed").Len() == 1
	}, waitFor, tick)

	p.Text("later")
	require.NoError(t, p.Print(context.Background()))
	assert.Equal(t, 2, tr.Dials())
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Stage: StageDrain, Err: errors.New("timeout")}
	assert.Equal(t, "printer: drain failed: timeout", err.Error())

	_, ok := StageOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, "stage(9)", Stage(9).String())
}
