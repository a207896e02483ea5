package common

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"

	"github.com/pkg/errors"
)

// Message kind identifiers, carried as a 2-byte big-endian prefix on the wire.
const (
	MsgRegisterBets       uint16 = 1
	MsgRegisterBetsOk     uint16 = 2
	MsgRegisterBetsFailed uint16 = 3
	MsgAck                uint16 = 4
	MsgAllBetsSent        uint16 = 5
	MsgRequestWinners     uint16 = 6
	MsgInformWinners      uint16 = 7
)

// RegisterBetsFailed error codes.
const (
	ErrCodeUnknownMessage     uint16 = 1
	ErrCodeCouldNotProcessBet uint16 = 2
)

// ErrUnknownMessage is returned by ReadMessage when msg_type does not match any
// known kind.
var ErrUnknownMessage = errors.New("protocol: unknown message type")

// ErrDisconnected is returned by recvExact (and anything built on it) when
// the peer closes the connection before the requested number of bytes has
// been read.
var ErrDisconnected = errors.New("protocol: peer disconnected")

// Message is the decoded form of any frame read off the wire.
type Message interface {
	Kind() uint16
}

// RegisterBetsMsg carries a batch of bets from an agency.
type RegisterBetsMsg struct {
	Bets []WireBet
}

func (RegisterBetsMsg) Kind() uint16 { return MsgRegisterBets }

// RegisterBetsOkMsg acknowledges a successfully stored batch. No payload.
type RegisterBetsOkMsg struct{}

func (RegisterBetsOkMsg) Kind() uint16 { return MsgRegisterBetsOk }

// RegisterBetsFailedMsg reports that a batch could not be processed.
type RegisterBetsFailedMsg struct {
	ErrorCode uint16
}

func (RegisterBetsFailedMsg) Kind() uint16 { return MsgRegisterBetsFailed }

// AckMsg is a liveness probe, sendable by either side. No payload.
type AckMsg struct{}

func (AckMsg) Kind() uint16 { return MsgAck }

// AllBetsSentMsg announces that an agency has no more batches to send. No payload.
type AllBetsSentMsg struct{}

func (AllBetsSentMsg) Kind() uint16 { return MsgAllBetsSent }

// RequestWinnersMsg asks the server for this agency's winning documents. No payload.
type RequestWinnersMsg struct{}

func (RequestWinnersMsg) Kind() uint16 { return MsgRequestWinners }

// InformWinnersMsg carries the winning document numbers for one agency.
type InformWinnersMsg struct {
	Documents []uint32
}

func (InformWinnersMsg) Kind() uint16 { return MsgInformWinners }

// --- framed transport -------------------------------------------------

// Conn wraps a net.Conn with the protocol's framing: recvExact loops until
// the requested number of bytes has accumulated, failing with
// ErrDisconnected on a short read caused by peer close.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
}

// NewConn wraps an accepted net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReader(nc)}
}

// PeerEndpoint returns the host:port tuple identifying the remote peer.
func (c *Conn) PeerEndpoint() string {
	return c.nc.RemoteAddr().String()
}

// Close half-closes both directions then releases the file descriptor.
func (c *Conn) Close() error {
	if tc, ok := c.nc.(*net.TCPConn); ok {
		_ = tc.CloseRead()
		_ = tc.CloseWrite()
	}
	return c.nc.Close()
}

// Raw exposes the underlying net.Conn, e.g. so the caller can set deadlines.
func (c *Conn) Raw() net.Conn { return c.nc }

func (c *Conn) recvExact(n uint32) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrDisconnected
		}
		return nil, errors.Wrap(err, "recv_exact")
	}
	return buf, nil
}

func (c *Conn) send(b []byte) error {
	if _, err := c.nc.Write(b); err != nil {
		return errors.Wrap(err, "send")
	}
	return nil
}

// ReadMessage decodes exactly one frame from the connection, dispatching on
// the 2-byte msg_type prefix. Decoders read only their declared payload;
// an unrecognized msg_type returns ErrUnknownMessage.
func (c *Conn) ReadMessage() (Message, error) {
	hdr, err := c.recvExact(2)
	if err != nil {
		return nil, err
	}
	msgType := binary.BigEndian.Uint16(hdr)

	switch msgType {
	case MsgRegisterBets:
		return c.decodeRegisterBets()
	case MsgRegisterBetsOk:
		return RegisterBetsOkMsg{}, nil
	case MsgRegisterBetsFailed:
		return c.decodeRegisterBetsFailed()
	case MsgAck:
		return AckMsg{}, nil
	case MsgAllBetsSent:
		return AllBetsSentMsg{}, nil
	case MsgRequestWinners:
		return RequestWinnersMsg{}, nil
	case MsgInformWinners:
		return c.decodeInformWinners()
	default:
		return nil, ErrUnknownMessage
	}
}

func (c *Conn) decodeRegisterBets() (Message, error) {
	raw, err := c.recvExact(4)
	if err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(raw)

	bets := make([]WireBet, 0, count)
	for i := uint32(0); i < count; i++ {
		bet, err := c.decodeOneBet()
		if err != nil {
			return nil, err
		}
		bets = append(bets, bet)
	}
	return RegisterBetsMsg{Bets: bets}, nil
}

func (c *Conn) decodeOneBet() (WireBet, error) {
	raw, err := c.recvExact(4)
	if err != nil {
		return WireBet{}, err
	}
	length := binary.BigEndian.Uint32(raw)

	body, err := c.recvExact(length)
	if err != nil {
		return WireBet{}, err
	}
	return decodeBetBody(body)
}

func decodeBetBody(body []byte) (WireBet, error) {
	var off int
	readU32 := func() (uint32, error) {
		if off+4 > len(body) {
			return 0, errors.New("protocol: bet body truncated")
		}
		v := binary.BigEndian.Uint32(body[off : off+4])
		off += 4
		return v, nil
	}

	agency, err := readU32()
	if err != nil {
		return WireBet{}, err
	}

	nameLen, err := readU32()
	if err != nil {
		return WireBet{}, err
	}
	if off+int(nameLen) > len(body) {
		return WireBet{}, errors.New("protocol: bet name truncated")
	}
	name := string(body[off : off+int(nameLen)])
	off += int(nameLen)

	surnameLen, err := readU32()
	if err != nil {
		return WireBet{}, err
	}
	if off+int(surnameLen) > len(body) {
		return WireBet{}, errors.New("protocol: bet surname truncated")
	}
	surname := string(body[off : off+int(surnameLen)])
	off += int(surnameLen)

	dni, err := readU32()
	if err != nil {
		return WireBet{}, err
	}

	if off+8 > len(body) {
		return WireBet{}, errors.New("protocol: bet birthdate truncated")
	}
	birthdate := int64(binary.BigEndian.Uint64(body[off : off+8]))
	off += 8

	number, err := readU32()
	if err != nil {
		return WireBet{}, err
	}

	return WireBet{
		Agency:    agency,
		Name:      name,
		Surname:   surname,
		Document:  dni,
		Birthdate: birthdate,
		Number:    number,
	}, nil
}

func (c *Conn) decodeRegisterBetsFailed() (Message, error) {
	raw, err := c.recvExact(4)
	if err != nil {
		return nil, err
	}
	payloadLen := binary.BigEndian.Uint32(raw)
	if payloadLen != 2 {
		return nil, errors.Errorf("protocol: RegisterBetsFailed payload length %d, want 2", payloadLen)
	}
	body, err := c.recvExact(2)
	if err != nil {
		return nil, err
	}
	return RegisterBetsFailedMsg{ErrorCode: binary.BigEndian.Uint16(body)}, nil
}

func (c *Conn) decodeInformWinners() (Message, error) {
	raw, err := c.recvExact(4)
	if err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(raw)

	docs := make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := c.recvExact(4)
		if err != nil {
			return nil, err
		}
		docs = append(docs, binary.BigEndian.Uint32(raw))
	}
	return InformWinnersMsg{Documents: docs}, nil
}

// --- encoders -----------------------------------------------------------

func encodeBetBody(b WireBet) []byte {
	nameBytes := []byte(b.Name)
	surnameBytes := []byte(b.Surname)
	size := 4 + 4 + len(nameBytes) + 4 + len(surnameBytes) + 4 + 8 + 4
	out := make([]byte, 0, size)

	var tmp4 [4]byte
	var tmp8 [8]byte

	binary.BigEndian.PutUint32(tmp4[:], b.Agency)
	out = append(out, tmp4[:]...)

	binary.BigEndian.PutUint32(tmp4[:], uint32(len(nameBytes)))
	out = append(out, tmp4[:]...)
	out = append(out, nameBytes...)

	binary.BigEndian.PutUint32(tmp4[:], uint32(len(surnameBytes)))
	out = append(out, tmp4[:]...)
	out = append(out, surnameBytes...)

	binary.BigEndian.PutUint32(tmp4[:], b.Document)
	out = append(out, tmp4[:]...)

	binary.BigEndian.PutUint64(tmp8[:], uint64(b.Birthdate))
	out = append(out, tmp8[:]...)

	binary.BigEndian.PutUint32(tmp4[:], b.Number)
	out = append(out, tmp4[:]...)

	return out
}

// EncodeRegisterBets serializes a RegisterBetsMsg frame.
func EncodeRegisterBets(m RegisterBetsMsg) []byte {
	var body []byte
	for _, b := range m.Bets {
		betBytes := encodeBetBody(b)
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], uint32(len(betBytes)))
		body = append(body, tmp4[:]...)
		body = append(body, betBytes...)
	}

	out := make([]byte, 0, 2+4+len(body))
	out = appendU16(out, MsgRegisterBets)
	out = appendU32(out, uint32(len(m.Bets)))
	out = append(out, body...)
	return out
}

// EncodeRegisterBetsOk serializes a RegisterBetsOkMsg frame.
func EncodeRegisterBetsOk() []byte {
	return appendU16(nil, MsgRegisterBetsOk)
}

// EncodeRegisterBetsFailed serializes a RegisterBetsFailedMsg frame.
func EncodeRegisterBetsFailed(errorCode uint16) []byte {
	out := appendU16(nil, MsgRegisterBetsFailed)
	out = appendU32(out, 2)
	out = appendU16(out, errorCode)
	return out
}

// EncodeAck serializes an AckMsg frame.
func EncodeAck() []byte {
	return appendU16(nil, MsgAck)
}

// EncodeAllBetsSent serializes an AllBetsSentMsg frame.
func EncodeAllBetsSent() []byte {
	return appendU16(nil, MsgAllBetsSent)
}

// EncodeRequestWinners serializes a RequestWinnersMsg frame.
func EncodeRequestWinners() []byte {
	return appendU16(nil, MsgRequestWinners)
}

// EncodeInformWinners serializes an InformWinnersMsg frame.
func EncodeInformWinners(m InformWinnersMsg) []byte {
	out := appendU16(nil, MsgInformWinners)
	out = appendU32(out, uint32(len(m.Documents)))
	for _, d := range m.Documents {
		out = appendU32(out, d)
	}
	return out
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// SendRegisterBets writes a RegisterBetsMsg frame.
func (c *Conn) SendRegisterBets(m RegisterBetsMsg) error { return c.send(EncodeRegisterBets(m)) }

// SendRegisterBetsOk writes a RegisterBetsOkMsg frame.
func (c *Conn) SendRegisterBetsOk() error { return c.send(EncodeRegisterBetsOk()) }

// SendRegisterBetsFailed writes a RegisterBetsFailedMsg frame.
func (c *Conn) SendRegisterBetsFailed(errorCode uint16) error {
	return c.send(EncodeRegisterBetsFailed(errorCode))
}

// SendAck writes an AckMsg frame.
func (c *Conn) SendAck() error { return c.send(EncodeAck()) }

// SendAllBetsSent writes an AllBetsSentMsg frame.
func (c *Conn) SendAllBetsSent() error { return c.send(EncodeAllBetsSent()) }

// SendRequestWinners writes a RequestWinnersMsg frame.
func (c *Conn) SendRequestWinners() error { return c.send(EncodeRequestWinners()) }

// SendInformWinners writes an InformWinnersMsg frame.
func (c *Conn) SendInformWinners(m InformWinnersMsg) error { return c.send(EncodeInformWinners(m)) }
