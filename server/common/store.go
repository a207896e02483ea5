package common

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// BetStore is the append-only persistence primitive the monitor delegates
// to. Store and LoadAll are internally serialized so that multiple sessions
// may call them concurrently; a failed Store never leaves a partial record.
type BetStore struct {
	mu   sync.Mutex
	path string
}

// NewBetStore opens (creating if absent) the CSV ledger at path.
func NewBetStore(path string) (*BetStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "bet store: open")
	}
	if err := f.Close(); err != nil {
		return nil, errors.Wrap(err, "bet store: close after create")
	}
	return &BetStore{path: path}, nil
}

// Store appends bets to the ledger atomically with respect to other Store
// and LoadAll calls.
func (s *BetStore) Store(bets []Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "bet store: open for append")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	for _, b := range bets {
		record := []string{b.Agency, b.FirstName, b.LastName, b.Document, b.Birthdate, b.Number}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, "bet store: write record")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, "bet store: flush")
	}
	return nil
}

// LoadAll returns every bet ever successfully stored, in insertion order.
func (s *BetStore) LoadAll() ([]Bet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "bet store: open for read")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6

	var bets []Bet
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "bet store: read record")
		}
		bets = append(bets, Bet{
			Agency:    record[0],
			FirstName: record[1],
			LastName:  record[2],
			Document:  record[3],
			Birthdate: record[4],
			Number:    record[5],
		})
	}
	return bets, nil
}

// HasWon is the domain predicate over a bet, treated as a black box by the
// specification. This implementation's rule: a document number wins iff it
// is even.
func HasWon(b Bet) bool {
	doc, err := strconv.ParseUint(b.Document, 10, 64)
	if err != nil {
		return false
	}
	return doc%2 == 0
}
