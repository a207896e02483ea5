package common

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) *LotteryMonitor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bets.csv")
	store, err := NewBetStore(path)
	require.NoError(t, err)
	return NewLotteryMonitor(store)
}

func TestBindAgencyFirstWriteWins(t *testing.T) {
	m := newTestMonitor(t)
	m.BindAgency("1.2.3.4:1", 7)
	m.BindAgency("1.2.3.4:1", 9)

	agency, ok := m.AgencyOf("1.2.3.4:1")
	require.True(t, ok)
	require.Equal(t, 7, agency)
}

func TestAllAgenciesReady(t *testing.T) {
	m := newTestMonitor(t)
	require.False(t, m.AllAgenciesReady(2, SendingBets))

	m.BindAgency("a", 1)
	m.SetReadiness("a", SendingBets)
	m.BindAgency("b", 2)
	m.SetReadiness("b", SendingBets)
	require.False(t, m.AllAgenciesReady(2, SendingBets))

	m.SetReadiness("a", ReadyForLottery)
	require.False(t, m.AllAgenciesReady(2, SendingBets))

	m.SetReadiness("b", ReadyForLottery)
	require.True(t, m.AllAgenciesReady(2, SendingBets))
}

// TestExecuteLotteryOneShot is property P3: across any number of concurrent
// callers, exactly one ExecuteLottery call returns true.
func TestExecuteLotteryOneShot(t *testing.T) {
	m := newTestMonitor(t)

	const callers = 50
	var successCount int32
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			if m.ExecuteLottery() {
				atomic.AddInt32(&successCount, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), successCount)
	require.True(t, m.LotteryDone())
}

// TestWinnersPartition is property P4: every winning bet's document ends up
// under its own agency's winners, and nothing else does.
func TestWinnersPartition(t *testing.T) {
	m := newTestMonitor(t)

	bets := []Bet{
		{Agency: "1", Document: "111"}, // odd, loses
		{Agency: "1", Document: "222"}, // even, wins
		{Agency: "2", Document: "444"}, // even, wins
		{Agency: "2", Document: "555"}, // odd, loses
	}
	require.NoError(t, m.StoreBets(bets))
	require.True(t, m.ExecuteLottery())

	require.ElementsMatch(t, []uint32{222}, m.WinnersFor(1))
	require.ElementsMatch(t, []uint32{444}, m.WinnersFor(2))
	require.Empty(t, m.WinnersFor(3))
}

// TestWaitForLotteryVisibility is property P6: any goroutine unblocked by
// WaitForLottery observes LotteryDone()==true and the full winners index.
func TestWaitForLotteryVisibility(t *testing.T) {
	m := newTestMonitor(t)
	require.NoError(t, m.StoreBets([]Bet{{Agency: "1", Document: "222"}}))

	const waiters = 10
	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			m.WaitForLottery()
			require.True(t, m.LotteryDone())
			require.ElementsMatch(t, []uint32{222}, m.WinnersFor(1))
		}()
	}

	require.True(t, m.ExecuteLottery())
	wg.Wait()
}

func TestWinnersForUnknownAgencyIsEmpty(t *testing.T) {
	m := newTestMonitor(t)
	require.True(t, m.ExecuteLottery())
	require.Empty(t, m.WinnersFor(999))
}

func TestGetReadinessUnknownEndpoint(t *testing.T) {
	m := newTestMonitor(t)
	require.Equal(t, ReadinessUnknown, m.GetReadiness("nobody"))
}

func TestShutdownReleasesWaitForLotteryWithoutExecuting(t *testing.T) {
	m := newTestMonitor(t)

	resultCh := make(chan bool, 1)
	go func() { resultCh <- m.WaitForLottery() }()

	time.Sleep(50 * time.Millisecond)
	m.Shutdown()

	select {
	case executed := <-resultCh:
		require.False(t, executed)
	case <-time.After(time.Second):
		t.Fatal("WaitForLottery did not return after Shutdown")
	}
	require.False(t, m.LotteryDone())
}
