package monitor_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticedb/str/monitor"
)

func TestSeqnoMonitorAdmitsInOrder(t *testing.T) {
	m := monitor.NewSeqnoMonitor(-1)

	var order []int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, seqno := range []int64{2, 0, 1} {
		seqno := seqno
		wg.Add(1)

		go func() {
			defer wg.Done()

			m.Enter(seqno)
			mu.Lock()
			order = append(order, seqno)
			mu.Unlock()
			m.Leave(seqno)
		}()

		time.Sleep(5 * time.Millisecond)
	}

	wg.Wait()
	require.Equal(t, []int64{0, 1, 2}, order)
}

func TestSeqnoMonitorSelfCancelUnblocksNext(t *testing.T) {
	m := monitor.NewSeqnoMonitor(-1)
	m.Enter(0)

	done := make(chan struct{})
	go func() {
		m.Enter(1)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("seqno 1 admitted before seqno 0 left")
	case <-time.After(20 * time.Millisecond):
	}

	m.SelfCancel(0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("seqno 1 never admitted after self-cancel")
	}
}

func TestDrainBlocksUntilPosition(t *testing.T) {
	m := monitor.NewSeqnoMonitor(-1)
	m.Enter(0)

	drained := make(chan struct{})
	go func() {
		m.Drain(0)
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drain returned before seqno 0 left")
	case <-time.After(20 * time.Millisecond):
	}

	m.Leave(0)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("drain never returned")
	}
}

func TestReinitResetsPosition(t *testing.T) {
	m := monitor.NewSeqnoMonitor(-1)
	m.Reinit(100)
	require.Equal(t, int64(100), m.Position())

	m.Enter(101)
	m.Leave(101)
	require.Equal(t, int64(101), m.Position())
}

func TestCommitOrderMonitorBypass(t *testing.T) {
	m := monitor.NewCommitOrderMonitor(-1, true)

	// Bypassed monitors never block regardless of order.
	m.Enter(5)
	m.Leave(5)
	m.Enter(0)
	m.Leave(0)
}
