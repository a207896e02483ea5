package common

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"
	"github.com/pkg/errors"
)

var acceptorLog = logging.MustGetLogger("acceptor")

// ShutdownJoinTimeout bounds how long Acceptor.Shutdown waits for in-flight
// sessions to drain before forcibly closing them. A var, not a const, so
// tests can shorten it rather than waiting out the production value.
var ShutdownJoinTimeout = 5 * time.Second

// Acceptor binds a listening socket and spawns one Session per accepted
// connection, propagating shutdown to all of them.
type Acceptor struct {
	listener         net.Listener
	monitor          *LotteryMonitor
	numberOfAgencies int

	wg       sync.WaitGroup
	stopping int32

	connsMu sync.Mutex
	conns   map[string]*Conn
}

// NewAcceptor binds a TCP listener on port with the given backlog hint (Go's
// net package does not expose SYN backlog tuning directly; the parameter is
// accepted for configuration-contract fidelity with spec §6 and otherwise
// unused).
func NewAcceptor(port int, listenBacklog int, monitor *LotteryMonitor, numberOfAgencies int) (*Acceptor, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrap(err, "acceptor: listen")
	}
	return &Acceptor{
		listener:         ln,
		monitor:          monitor,
		numberOfAgencies: numberOfAgencies,
		conns:            make(map[string]*Conn),
	}, nil
}

// Addr returns the listener's bound address, useful for tests that bind to
// port 0 and need to discover the actual port chosen by the OS.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Run accepts connections until the listener is closed by Shutdown. Each
// accepted connection is handed to a newly spawned session goroutine.
func (a *Acceptor) Run() {
	for {
		acceptorLog.Info("action: accept_connections | result: in_progress")

		conn, err := a.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&a.stopping) == 1 {
				acceptorLog.Info("action: server_welcomming_socket_shutdown | result: success")
				return
			}
			acceptorLog.Errorf("action: accept_connections | result: fail | error: %v", err)
			continue
		}

		acceptorLog.Infof("action: accept_connections | result: success | ip: %v", conn.RemoteAddr())

		a.wg.Add(1)
		go a.serve(conn)
	}
}

func (a *Acceptor) serve(nc net.Conn) {
	defer a.wg.Done()

	connID := uuid.NewString()
	acceptorLog.Infof("action: client_connection_accepted | result: success | connection_id: %s | ip: %v", connID, nc.RemoteAddr())

	conn := NewConn(nc)
	a.trackConn(connID, conn)
	defer a.untrackConn(connID)

	session := NewSession(conn, a.monitor, a.numberOfAgencies)
	session.connID = connID
	session.Run(func() bool {
		return atomic.LoadInt32(&a.stopping) == 1
	})

	acceptorLog.Infof("action: client_connection_socket_closed | result: success | connection_id: %s | ip: %v", connID, nc.RemoteAddr())
}

func (a *Acceptor) trackConn(connID string, conn *Conn) {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	a.conns[connID] = conn
}

func (a *Acceptor) untrackConn(connID string) {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	delete(a.conns, connID)
}

// closeRemainingConns force-closes every connection still tracked, waking up
// any session blocked in a raw read (e.g. io.ReadFull inside recvExact) that
// shouldStop polling alone would never catch.
func (a *Acceptor) closeRemainingConns() {
	a.connsMu.Lock()
	defer a.connsMu.Unlock()
	for connID, conn := range a.conns {
		acceptorLog.Warningf("action: force_close_connection | result: success | connection_id: %s", connID)
		_ = conn.Close()
	}
}

// Shutdown closes the listening socket (failing the in-progress Accept),
// signals all sessions to terminate, and waits for them to finish with a
// bounded timeout. Any session still running past the deadline (e.g. blocked
// in a raw read on a connection that will never send another frame) has its
// connection forcibly closed so its goroutine unwinds instead of leaking.
func (a *Acceptor) Shutdown() {
	atomic.StoreInt32(&a.stopping, 1)
	_ = a.listener.Close()
	a.monitor.Shutdown()
	acceptorLog.Info("action: server_welcomming_socket_closed | result: success")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		acceptorLog.Info("action: server_shutdown | result: success")
	case <-time.After(ShutdownJoinTimeout):
		acceptorLog.Warning("action: server_shutdown | result: timeout | detail: forcibly terminating remaining sessions")
		a.closeRemainingConns()
		<-done
		acceptorLog.Info("action: server_shutdown | result: success")
	}
}
