package common

import (
	"sync"

	"github.com/op/go-logging"
)

var monitorLog = logging.MustGetLogger("monitor")

// ReadinessState is a per-session lifecycle marker, keyed by peer endpoint
// in the monitor. Transitions are monotone:
// SendingBets -> ReadyForLottery -> WaitingForLottery -> GotWinners.
type ReadinessState int

const (
	// ReadinessUnknown is the sentinel returned for an endpoint the monitor
	// has never seen.
	ReadinessUnknown ReadinessState = iota
	SendingBets
	ReadyForLottery
	WaitingForLottery
	GotWinners
)

// LotteryMonitor is the single point of synchronization for cross-session
// shared state: readiness, agency binding, the winners index, and the
// one-shot lottery barrier. All mutation goes through one mutex; the barrier
// is signaled outside it so that sessions it wakes never deadlock trying to
// reacquire the lock.
type LotteryMonitor struct {
	mu sync.Mutex

	readiness map[string]ReadinessState
	agencyOf  map[string]int

	winnersByAgency map[int][]uint32

	store *BetStore

	lotteryOnce     sync.Once
	lotteryExecuted bool
	barrier         chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// NewLotteryMonitor builds a monitor backed by the given bet store.
func NewLotteryMonitor(store *BetStore) *LotteryMonitor {
	return &LotteryMonitor{
		readiness:       make(map[string]ReadinessState),
		agencyOf:        make(map[string]int),
		winnersByAgency: make(map[int][]uint32),
		store:           store,
		barrier:         make(chan struct{}),
		shutdown:        make(chan struct{}),
	}
}

// SetReadiness unconditionally records the readiness state for an endpoint.
func (m *LotteryMonitor) SetReadiness(endpoint string, state ReadinessState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readiness[endpoint] = state
}

// GetReadiness returns the recorded readiness state for an endpoint, or
// ReadinessUnknown if the monitor has no record of it.
func (m *LotteryMonitor) GetReadiness(endpoint string) ReadinessState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.readiness[endpoint]
	if !ok {
		return ReadinessUnknown
	}
	return state
}

// BindAgency associates endpoint with agencyID the first time it is called
// for that endpoint. A later call for the same endpoint with a different
// agencyID is ignored: the first binding wins (see DESIGN.md for why this
// resolution was chosen over rejecting the rebind).
func (m *LotteryMonitor) BindAgency(endpoint string, agencyID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, bound := m.agencyOf[endpoint]; bound {
		return
	}
	m.agencyOf[endpoint] = agencyID
}

// AgencyOf returns the agency bound to endpoint, and whether a binding exists.
func (m *LotteryMonitor) AgencyOf(endpoint string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agency, ok := m.agencyOf[endpoint]
	return agency, ok
}

// AllAgenciesReady reports whether at least expectedCount endpoints are bound
// to an agency and none of them is still in sendingState.
func (m *LotteryMonitor) AllAgenciesReady(expectedCount int, sendingState ReadinessState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.agencyOf) < expectedCount {
		return false
	}
	for endpoint := range m.agencyOf {
		if m.readiness[endpoint] == sendingState {
			return false
		}
	}
	return true
}

// StoreBets delegates to the bet store under the monitor's discipline.
func (m *LotteryMonitor) StoreBets(bets []Bet) error {
	return m.store.Store(bets)
}

// ExecuteLottery is one-shot: across any number of concurrent callers,
// exactly one observes executed=true and performs the computation; every
// other caller returns false immediately. The barrier channel is closed
// outside the monitor's mutex.
func (m *LotteryMonitor) ExecuteLottery() bool {
	executed := false

	m.lotteryOnce.Do(func() {
		m.mu.Lock()
		bets, err := m.store.LoadAll()
		if err != nil {
			monitorLog.Errorf("action: execute_lottery | result: fail | error: %v", err)
			m.mu.Unlock()
			return
		}
		for _, bet := range bets {
			if !HasWon(bet) {
				continue
			}
			agency, convErr := agencyAsInt(bet.Agency)
			if convErr != nil {
				continue
			}
			doc, convErr := documentAsUint32(bet.Document)
			if convErr != nil {
				continue
			}
			m.winnersByAgency[agency] = append(m.winnersByAgency[agency], doc)
		}
		m.lotteryExecuted = true
		m.mu.Unlock()

		executed = true
		close(m.barrier)
		monitorLog.Infof("action: sorteo | result: success")
	})

	return executed
}

// WaitForLottery blocks until either the barrier is signaled (returns true,
// with the winners index fully populated) or the monitor is shut down first
// (returns false, letting the caller unwind instead of hanging forever).
func (m *LotteryMonitor) WaitForLottery() bool {
	select {
	case <-m.barrier:
		return true
	case <-m.shutdown:
		return false
	}
}

// Shutdown releases every goroutine currently blocked in WaitForLottery. It
// is safe to call more than once or concurrently with ExecuteLottery.
func (m *LotteryMonitor) Shutdown() {
	m.shutdownOnce.Do(func() { close(m.shutdown) })
}

// LotteryDone is a non-blocking probe of whether the lottery has executed.
func (m *LotteryMonitor) LotteryDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lotteryExecuted
}

// WinnersFor returns a copy of the winning document numbers for agencyID,
// or an empty slice if the agency has no winners or the lottery has not run.
func (m *LotteryMonitor) WinnersFor(agencyID int) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	winners := m.winnersByAgency[agencyID]
	out := make([]uint32, len(winners))
	copy(out, winners)
	return out
}
