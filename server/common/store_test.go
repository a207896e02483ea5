package common

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BetStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bets.csv")
	store, err := NewBetStore(path)
	require.NoError(t, err)
	return store
}

func TestStoreAndLoadAllPreservesOrder(t *testing.T) {
	store := newTestStore(t)

	first := []Bet{{Agency: "1", FirstName: "A", LastName: "B", Document: "111", Birthdate: "1990-01-01", Number: "1"}}
	second := []Bet{{Agency: "2", FirstName: "C", LastName: "D", Document: "222", Birthdate: "1991-02-02", Number: "2"}}

	require.NoError(t, store.Store(first))
	require.NoError(t, store.Store(second))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Equal(t, append(append([]Bet{}, first...), second...), loaded)
}

func TestLoadAllEmptyStore(t *testing.T) {
	store := newTestStore(t)
	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestHasWonEvenDocumentWins(t *testing.T) {
	require.True(t, HasWon(Bet{Document: "222"}))
	require.False(t, HasWon(Bet{Document: "111"}))
}

func TestHasWonMalformedDocumentLoses(t *testing.T) {
	require.False(t, HasWon(Bet{Document: "not-a-number"}))
}
