package common

import (
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var sessionLog = logging.MustGetLogger("session")

// Session owns one accepted connection and drives one agency through its
// lifecycle: read one message, advance the state machine, optionally wait
// on the barrier, optionally respond, loop.
type Session struct {
	conn     *Conn
	monitor  *LotteryMonitor
	endpoint string

	// connID is a correlation id assigned by the acceptor, logged alongside
	// the endpoint so that a connection's messages can be grepped out of an
	// interleaved multi-agency log even after endpoint reuse.
	connID string

	numberOfAgencies int
}

// NewSession wraps an accepted connection for the given monitor.
// numberOfAgencies is the readiness barrier threshold.
func NewSession(conn *Conn, monitor *LotteryMonitor, numberOfAgencies int) *Session {
	return &Session{
		conn:             conn,
		monitor:          monitor,
		endpoint:         conn.PeerEndpoint(),
		numberOfAgencies: numberOfAgencies,
	}
}

// Run drives the session loop until transport failure, an unknown message,
// a SafeToEnd disposition, or shutdown is requested via shouldStop.
func (s *Session) Run(shouldStop func() bool) {
	defer s.conn.Close()

	for {
		if shouldStop != nil && shouldStop() {
			sessionLog.Infof("action: session_shutdown | result: success | connection_id: %s | endpoint: %s", s.connID, s.endpoint)
			return
		}

		msg, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrUnknownMessage) {
				sessionLog.Warningf("action: receive_message | result: fail | endpoint: %s | error: unknown message", s.endpoint)
				_ = s.conn.SendRegisterBetsFailed(ErrCodeUnknownMessage)
				return
			}
			sessionLog.Infof("action: receive_message | result: fail | endpoint: %s | error: %v", s.endpoint, err)
			return
		}

		safeToEnd, err := s.handle(msg)
		if err != nil {
			sessionLog.Errorf("action: handle_message | result: fail | endpoint: %s | error: %v", s.endpoint, err)
			return
		}
		if safeToEnd {
			return
		}
	}
}

// handle dispatches one decoded message and returns whether the session has
// reached a disposition where it may safely terminate.
func (s *Session) handle(msg Message) (safeToEnd bool, err error) {
	switch m := msg.(type) {
	case RegisterBetsMsg:
		s.handleRegisterBets(m)
		return false, nil

	case AllBetsSentMsg:
		return s.handleAllBetsSent()

	case RequestWinnersMsg:
		return true, s.handleRequestWinners()

	case AckMsg:
		return s.monitor.LotteryDone(), nil

	default:
		sessionLog.Warningf("action: receive_message | result: fail | endpoint: %s | error: unhandled message kind", s.endpoint)
		_ = s.conn.SendRegisterBetsFailed(ErrCodeUnknownMessage)
		return true, nil
	}
}

func (s *Session) handleRegisterBets(m RegisterBetsMsg) {
	s.monitor.SetReadiness(s.endpoint, SendingBets)

	if len(m.Bets) > 0 {
		s.monitor.BindAgency(s.endpoint, int(m.Bets[0].Agency))
	}

	bets := make([]Bet, 0, len(m.Bets))
	for _, wb := range m.Bets {
		bets = append(bets, wb.ToBet())
	}

	if err := s.monitor.StoreBets(bets); err != nil {
		sessionLog.Errorf("action: apuesta_almacenada | result: fail | endpoint: %s | error: %v", s.endpoint, err)
		_ = s.conn.SendRegisterBetsFailed(ErrCodeCouldNotProcessBet)
		return
	}

	sessionLog.Infof("action: apuesta_almacenada | result: success | endpoint: %s | cantidad: %d", s.endpoint, len(bets))
	_ = s.conn.SendRegisterBetsOk()
}

// handleAllBetsSent records readiness and, only if this call is the one that
// triggers lottery execution, sends winners to this same session before it
// ends. If the barrier isn't ready yet, the session stays open so that a
// later RequestWinners on the same connection (spec §8 scenario 3) can still
// be served.
func (s *Session) handleAllBetsSent() (safeToEnd bool, err error) {
	s.monitor.SetReadiness(s.endpoint, ReadyForLottery)

	if s.monitor.AllAgenciesReady(s.numberOfAgencies, SendingBets) {
		if s.monitor.ExecuteLottery() {
			if err := s.sendWinnersToSelf(); err != nil {
				return true, err
			}
			return true, nil
		}
	}
	return false, nil
}

func (s *Session) handleRequestWinners() error {
	s.monitor.SetReadiness(s.endpoint, WaitingForLottery)

	if !s.monitor.LotteryDone() {
		if !s.monitor.WaitForLottery() {
			return errors.New("session: shutdown before lottery executed")
		}
	}
	return s.sendWinnersToSelf()
}

// sendWinnersToSelf is the idempotency gate of spec §4.5: it only sends
// InformWinners for an endpoint that hasn't already received it, which lets
// both the AllBetsSent-triggers-execution path (readiness ReadyForLottery)
// and the RequestWinners/barrier-wakes path (readiness WaitingForLottery)
// share the same send step without double-delivering (see DESIGN.md for why
// the gate checks "not yet GotWinners" rather than the single exact state
// the prose names).
func (s *Session) sendWinnersToSelf() error {
	if s.monitor.GetReadiness(s.endpoint) == GotWinners {
		return nil
	}

	agency, bound := s.monitor.AgencyOf(s.endpoint)
	if !bound {
		s.monitor.SetReadiness(s.endpoint, GotWinners)
		return nil
	}

	winners := s.monitor.WinnersFor(agency)
	if err := s.conn.SendInformWinners(InformWinnersMsg{Documents: winners}); err != nil {
		return errors.Wrap(err, "send_winners")
	}

	s.monitor.SetReadiness(s.endpoint, GotWinners)
	sessionLog.Infof("action: consulta_ganadores | result: success | endpoint: %s | cant_ganadores: %d", s.endpoint, len(winners))
	return nil
}
