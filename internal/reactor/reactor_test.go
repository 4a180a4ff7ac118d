package reactor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReactor(t *testing.T) *Reactor {
	t.Helper()
	r, err := New(nil)
	require.NoError(t, err)
	go func() {
		if err := r.Run(); err != nil {
			t.Logf("reactor exited: %v", err)
		}
	}()
	t.Cleanup(r.Stop)
	return r
}

func TestScheduleOrdersByDeadlineThenFIFO(t *testing.T) {
	r := newTestReactor(t)
	var mu sync.Mutex
	var order []int

	done := make(chan struct{})
	r.Schedule(30*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		close(done)
	})
	r.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	r.Schedule(10*time.Millisecond, func() {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scheduled calls")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestCancelSkipsExecution(t *testing.T) {
	r := newTestReactor(t)
	ran := make(chan struct{}, 1)
	call := r.Schedule(5*time.Millisecond, func() { ran <- struct{}{} })
	call.Cancel()
	call.Cancel() // idempotent

	marker := make(chan struct{})
	r.Schedule(40*time.Millisecond, func() { close(marker) })
	<-marker

	select {
	case <-ran:
		t.Fatal("cancelled call executed")
	default:
	}
}

func TestCancelGroupCancelsAllMembers(t *testing.T) {
	r := newTestReactor(t)
	var mu sync.Mutex
	fired := 0
	for i := 0; i < 5; i++ {
		r.ScheduleGroup(5*time.Millisecond, "g1", func() {
			mu.Lock()
			fired++
			mu.Unlock()
		})
	}
	r.CancelGroup("g1")

	marker := make(chan struct{})
	r.Schedule(40*time.Millisecond, func() { close(marker) })
	<-marker

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, fired)
}

func TestAddReaderFiresOnData(t *testing.T) {
	r := newTestReactor(t)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	gotData := make(chan []byte, 1)
	r.AddReader(int(pr.Fd()), func() error {
		buf := make([]byte, 16)
		n, err := pr.Read(buf)
		if err != nil {
			return err
		}
		gotData <- buf[:n]
		return nil
	})

	_, err = pw.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case data := <-gotData:
		assert.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("reader callback never fired")
	}
}

func TestRemoveReaderStopsDispatch(t *testing.T) {
	r := newTestReactor(t)
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	calls := make(chan struct{}, 8)
	r.AddReader(int(pr.Fd()), func() error {
		buf := make([]byte, 16)
		_, _ = pr.Read(buf)
		calls <- struct{}{}
		return nil
	})
	_, err = pw.Write([]byte("x"))
	require.NoError(t, err)
	<-calls

	r.RemoveReader(int(pr.Fd()))
	_, err = pw.Write([]byte("y"))
	require.NoError(t, err)

	select {
	case <-calls:
		t.Fatal("reader fired after RemoveReader")
	case <-time.After(100 * time.Millisecond):
	}
}
