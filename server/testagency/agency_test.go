package testagency

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gabrieldiem/tp0-base/server/common"
)

func startServer(t *testing.T, numberOfAgencies int) *common.Acceptor {
	t.Helper()
	store, err := common.NewBetStore(filepath.Join(t.TempDir(), "bets.csv"))
	require.NoError(t, err)
	monitor := common.NewLotteryMonitor(store)

	acceptor, err := common.NewAcceptor(0, 1, monitor, numberOfAgencies)
	require.NoError(t, err)

	go acceptor.Run()
	t.Cleanup(acceptor.Shutdown)
	return acceptor
}

func dial(t *testing.T, acceptor *common.Acceptor) *Agency {
	t.Helper()
	agency, err := Dial(acceptor.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = agency.Close() })
	return agency
}

// TestHappyPathTwoAgencies exercises spec §8 scenario 1: both agencies
// register bets and announce completion; the second agency, whose
// AllBetsSent triggers the lottery, receives its own winners.
func TestHappyPathTwoAgencies(t *testing.T) {
	acceptor := startServer(t, 2)

	a1 := dial(t, acceptor)
	resp, err := a1.SendRegisterBets([]common.WireBet{
		{Agency: 1, Name: "Cliff", Surname: "Booth", Document: 111, Number: 7777},
	})
	require.NoError(t, err)
	require.Equal(t, common.RegisterBetsOkMsg{}, resp)
	require.NoError(t, a1.SendAllBetsSent())

	a2 := dial(t, acceptor)
	resp, err = a2.SendRegisterBets([]common.WireBet{
		{Agency: 2, Name: "Rick", Surname: "Dalton", Document: 222, Number: 42},
	})
	require.NoError(t, err)
	require.Equal(t, common.RegisterBetsOkMsg{}, resp)
	require.NoError(t, a2.SendAllBetsSent())

	winners2, err := a2.TryReadInformWinners(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, common.InformWinnersMsg{Documents: []uint32{222}}, winners2)
}

// TestWinnersRequestedAfterCompletion covers scenario 2: an agency asks for
// its winners on a fresh connection once the lottery has already run.
func TestWinnersRequestedAfterCompletion(t *testing.T) {
	acceptor := startServer(t, 1)

	a1 := dial(t, acceptor)
	_, err := a1.SendRegisterBets([]common.WireBet{
		{Agency: 1, Document: 222},
	})
	require.NoError(t, err)
	require.NoError(t, a1.SendAllBetsSent())
	winners, err := a1.TryReadInformWinners(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, common.InformWinnersMsg{Documents: []uint32{222}}, winners)

	// a fresh connection identifies itself as agency 1 (the wire protocol
	// only carries an agency id alongside a bet batch) before asking for
	// its winners again.
	a2 := dial(t, acceptor)
	_, err = a2.SendRegisterBets([]common.WireBet{{Agency: 1, Document: 444}})
	require.NoError(t, err)
	winners2, err := a2.RequestWinners()
	require.NoError(t, err)
	require.Equal(t, common.InformWinnersMsg{Documents: []uint32{222}}, winners2)
}

// TestWinnersRequestedBeforeCompletionBlocks covers scenario 3: an agency
// that asks before the barrier is reached blocks until the last agency
// finishes.
func TestWinnersRequestedBeforeCompletionBlocks(t *testing.T) {
	acceptor := startServer(t, 2)

	a1 := dial(t, acceptor)
	_, err := a1.SendRegisterBets([]common.WireBet{{Agency: 1, Document: 222}})
	require.NoError(t, err)
	require.NoError(t, a1.SendAllBetsSent())

	resultCh := make(chan common.InformWinnersMsg, 1)
	errCh := make(chan error, 1)
	go func() {
		winners, err := a1.RequestWinners()
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- winners
	}()

	select {
	case <-resultCh:
		t.Fatal("winners delivered before the second agency reported in")
	case err := <-errCh:
		t.Fatalf("unexpected error while blocked on winners: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	a2 := dial(t, acceptor)
	_, err = a2.SendRegisterBets([]common.WireBet{{Agency: 2, Document: 333}})
	require.NoError(t, err)
	require.NoError(t, a2.SendAllBetsSent())

	select {
	case winners := <-resultCh:
		require.Equal(t, common.InformWinnersMsg{Documents: []uint32{222}}, winners)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("a1 never received its winners after the barrier opened")
	}
}

// TestUnknownMessageClosesConnection covers scenario 4.
func TestUnknownMessageClosesConnection(t *testing.T) {
	acceptor := startServer(t, 1)
	a1 := dial(t, acceptor)

	_, err := a1.conn.Raw().Write([]byte{0, 250})
	require.NoError(t, err)

	_ = a1.conn.Raw().SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := a1.conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, common.RegisterBetsFailedMsg{ErrorCode: common.ErrCodeUnknownMessage}, msg)

	_, err = a1.conn.ReadMessage()
	require.ErrorIs(t, err, common.ErrDisconnected)
}

// TestShutdownForciblyClosesStuckConnection covers spec §4.6's "forcibly
// terminate any remaining workers": a connection that never sends a frame
// is blocked in a raw read, not in the lottery barrier, so it can only
// be released by closing its socket once the join timeout elapses.
func TestShutdownForciblyClosesStuckConnection(t *testing.T) {
	acceptor := startServer(t, 1)

	previousTimeout := common.ShutdownJoinTimeout
	common.ShutdownJoinTimeout = 100 * time.Millisecond
	t.Cleanup(func() { common.ShutdownJoinTimeout = previousTimeout })

	a1 := dial(t, acceptor)

	doneCh := make(chan struct{})
	go func() {
		acceptor.Shutdown()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after its join timeout elapsed")
	}

	_ = a1.conn.Raw().SetReadDeadline(time.Now().Add(time.Second))
	_, err := a1.conn.ReadMessage()
	require.Error(t, err, "stuck connection should have been force-closed")
}

// TestGracefulShutdownUnblocksWaiters covers scenario 6: a still-open
// connection waiting on the barrier is released (with a transport error, not
// a hang) once the acceptor shuts down.
func TestGracefulShutdownUnblocksWaiters(t *testing.T) {
	acceptor := startServer(t, 2)

	a1 := dial(t, acceptor)
	_, err := a1.SendRegisterBets([]common.WireBet{{Agency: 1, Document: 222}})
	require.NoError(t, err)
	require.NoError(t, a1.SendAllBetsSent())

	doneCh := make(chan struct{})
	go func() {
		_, _ = a1.RequestWinners()
		close(doneCh)
	}()

	time.Sleep(100 * time.Millisecond)
	acceptor.Shutdown()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("connection left hanging past shutdown")
	}
}
