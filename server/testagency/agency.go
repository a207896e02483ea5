// Package testagency is a minimal agency client used only by this module's
// own integration tests. It is adapted from the Go client half of this
// project (fedepagnotta-tp0-distribuidos/client), generalized from that
// client's little-endian opcode/map wire format to the server's big-endian
// framed protocol defined in server/common, and stripped of the CSV/batch
// file-reading concerns a real agency binary would have — tests construct
// bets directly.
package testagency

import (
	"context"
	"net"
	"time"

	"github.com/op/go-logging"

	"github.com/gabrieldiem/tp0-base/server/common"
)

var log = logging.MustGetLogger("testagency")

// Agency is a thin, test-only stand-in for a connected client. Unlike a real
// agency it keeps a single connection open across its whole lifecycle,
// matching the persistent-session model the session handler assumes.
type Agency struct {
	serverAddress string
	conn          *common.Conn
}

// Dial connects to serverAddress ("host:port") eagerly, so connection
// failures surface in the test at Dial time.
func Dial(serverAddress string) (*Agency, error) {
	nc, err := net.Dial("tcp", serverAddress)
	if err != nil {
		log.Errorf("action: connect | result: fail | server: %v | error: %v", serverAddress, err)
		return nil, err
	}
	return &Agency{serverAddress: serverAddress, conn: common.NewConn(nc)}, nil
}

// Close releases the underlying connection.
func (a *Agency) Close() error {
	return a.conn.Close()
}

// SendRegisterBets sends one RegisterBets batch and returns the server's
// RegisterBetsOk/RegisterBetsFailed response.
func (a *Agency) SendRegisterBets(bets []common.WireBet) (common.Message, error) {
	if err := a.conn.SendRegisterBets(common.RegisterBetsMsg{Bets: bets}); err != nil {
		return nil, err
	}
	return a.conn.ReadMessage()
}

// SendAllBetsSent announces this agency has no more batches. Per the
// session's state machine this does not end the connection unless it also
// happens to trigger lottery execution (in which case InformWinners
// follows); the caller should attempt to read a response with a deadline if
// it wants to observe that.
func (a *Agency) SendAllBetsSent() error {
	return a.conn.SendAllBetsSent()
}

// RequestWinners asks for this agency's winning documents and blocks until
// InformWinners arrives (the server may itself block on the lottery
// barrier before replying).
func (a *Agency) RequestWinners() (common.InformWinnersMsg, error) {
	if err := a.conn.SendRequestWinners(); err != nil {
		return common.InformWinnersMsg{}, err
	}
	msg, err := a.conn.ReadMessage()
	if err != nil {
		return common.InformWinnersMsg{}, err
	}
	return msg.(common.InformWinnersMsg), nil
}

// TryReadInformWinners reads one message with a bounded deadline, used by
// tests that want to assert InformWinners arrives (or doesn't) without
// blocking forever.
func (a *Agency) TryReadInformWinners(timeout time.Duration) (common.InformWinnersMsg, error) {
	_ = a.conn.Raw().SetReadDeadline(time.Now().Add(timeout))
	defer a.conn.Raw().SetReadDeadline(time.Time{})

	msg, err := a.conn.ReadMessage()
	if err != nil {
		return common.InformWinnersMsg{}, err
	}
	return msg.(common.InformWinnersMsg), nil
}

// SendAck sends the liveness-probe Ack message.
func (a *Agency) SendAck() error {
	return a.conn.SendAck()
}

// RunWithContext ties an Agency's lifetime to ctx, closing the connection
// when ctx is done, mirroring the graceful-shutdown handling in the
// teacher's own client (signal.NotifyContext-driven cancellation).
func RunWithContext(ctx context.Context, a *Agency) {
	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()
}
