package deck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeckUserList_SnapshotWithRoles(t *testing.T) {
	h := NewDeckHub()
	owner := &Client{DeckID: "d1", UserID: 1, Username: "alice", Role: "owner"}
	member := &Client{DeckID: "d1", UserID: 2, Username: "bob", Role: "member"}
	other := &Client{DeckID: "d2", UserID: 3, Username: "carol", Role: "owner"}

	h.decks["d1"] = map[*Client]bool{owner: true, member: true}
	h.decks["d2"] = map[*Client]bool{other: true}

	users := h.DeckUserList("d1")
	assert.ElementsMatch(t, []DeckUserInfo{
		{UserID: 1, Username: "alice", Role: "owner"},
		{UserID: 2, Username: "bob", Role: "member"},
	}, users)
}

func TestDeckUserList_UnknownDeckIsEmpty(t *testing.T) {
	h := NewDeckHub()
	assert.Empty(t, h.DeckUserList("nope"))
}
