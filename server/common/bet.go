package common

import (
	"strconv"
	"time"
)

// Bet is the domain record persisted by the store. It is immutable once
// constructed; the only mutators are WireBet.ToBet and the store's append.
type Bet struct {
	Agency    string
	FirstName string
	LastName  string
	Document  string
	Birthdate string
	Number    string
}

// WireBet is the protocol-level representation of a bet carried inside a
// RegisterBets message: fixed-width integers plus length-prefixed strings,
// exactly as laid out in the RegisterBets payload.
type WireBet struct {
	Agency    uint32
	Name      string
	Surname   string
	Document  uint32
	Birthdate int64 // unix seconds, UTC
	Number    uint32
}

// ToBet converts a WireBet into a domain Bet, formatting the birthdate as an
// ISO-8601 calendar date and stringifying the numeric fields.
func (w WireBet) ToBet() Bet {
	return Bet{
		Agency:    strconv.FormatUint(uint64(w.Agency), 10),
		FirstName: w.Name,
		LastName:  w.Surname,
		Document:  strconv.FormatUint(uint64(w.Document), 10),
		Birthdate: time.Unix(w.Birthdate, 0).UTC().Format("2006-01-02"),
		Number:    strconv.FormatUint(uint64(w.Number), 10),
	}
}

func agencyAsInt(s string) (int, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	return int(v), err
}

func documentAsUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}
