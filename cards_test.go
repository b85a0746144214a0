package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseStacks() []Stack {
	return []Stack{
		{ID: 0, Ascending: true, CurrentValue: ascendingBase},
		{ID: 1, Ascending: true, CurrentValue: ascendingBase},
		{ID: 2, Ascending: false, CurrentValue: descendingBase},
		{ID: 3, Ascending: false, CurrentValue: descendingBase},
	}
}

func TestHandSizeFor(t *testing.T) {
	assert.Equal(t, 8, handSizeFor(1))
	assert.Equal(t, 7, handSizeFor(2))
	assert.Equal(t, 6, handSizeFor(3))
	assert.Equal(t, 6, handSizeFor(5))
}

func TestIsLegalPlay(t *testing.T) {
	ascending := Stack{ID: 0, Ascending: true, CurrentValue: 50}
	descending := Stack{ID: 2, Ascending: false, CurrentValue: 50}

	tests := []struct {
		name      string
		stack     Stack
		value     int
		backtrack bool
		legal     bool
	}{
		{"ascending accepts higher", ascending, 51, false, true},
		{"ascending rejects equal", ascending, 50, false, false},
		{"ascending rejects lower", ascending, 49, false, false},
		{"ascending backtrack accepts exactly ten back", ascending, 40, true, true},
		{"ascending backtrack rejects nine back", ascending, 41, true, false},
		{"ascending backtrack rejects eleven back", ascending, 39, true, false},
		{"ascending without backtrack rejects ten back", ascending, 40, false, false},
		{"descending accepts lower", descending, 49, false, true},
		{"descending rejects equal", descending, 50, false, false},
		{"descending rejects higher", descending, 51, false, false},
		{"descending backtrack accepts exactly ten forward", descending, 60, true, true},
		{"descending backtrack rejects nine forward", descending, 59, true, false},
		{"descending without backtrack rejects ten forward", descending, 60, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := isLegalPlay(tc.stack, Card{ID: 0, Value: tc.value}, tc.backtrack)
			assert.Equal(t, tc.legal, got)
		})
	}
}

func TestNewGameStateDealsFullHands(t *testing.T) {
	gs := newGameState([]string{"alice", "bob"})

	require.Len(t, gs.Hands, 2)
	assert.Len(t, gs.Hands["alice"], 7)
	assert.Len(t, gs.Hands["bob"], 7)
	assert.Len(t, gs.DrawPile, 98-14)
	assert.Equal(t, 98, gs.cardsInPlay())

	require.Len(t, gs.Stacks, stackCount)
	assert.Equal(t, ascendingBase, gs.Stacks[0].CurrentValue)
	assert.Equal(t, ascendingBase, gs.Stacks[1].CurrentValue)
	assert.Equal(t, descendingBase, gs.Stacks[2].CurrentValue)
	assert.Equal(t, descendingBase, gs.Stacks[3].CurrentValue)

	// Every card is in exactly one place.
	seen := make(map[int]bool, 98)
	for _, c := range gs.DrawPile {
		assert.False(t, seen[c.ID])
		seen[c.ID] = true
	}
	for _, hand := range gs.Hands {
		for _, c := range hand {
			assert.False(t, seen[c.ID])
			seen[c.ID] = true
		}
	}
	assert.Len(t, seen, 98)
}

func TestApplyPlayMovesCardAndConservesCount(t *testing.T) {
	gs := &GameState{
		Hands: map[string][]Card{
			"alice": {{ID: 5, Value: 7}, {ID: 6, Value: 8}},
			"bob":   {{ID: 10, Value: 12}},
		},
		Stacks:       baseStacks(),
		ActivePlayer: "alice",
	}

	before := gs.cardsInPlay()

	err := gs.applyPlay("alice", []PlayAction{{CardID: 5, StackID: 0}}, true)
	require.NoError(t, err)

	assert.Equal(t, 7, gs.Stacks[0].CurrentValue)
	for _, c := range gs.Hands["alice"] {
		assert.NotEqual(t, 5, c.ID)
	}
	assert.Equal(t, before-1, gs.cardsInPlay())
}

func TestApplyPlayBatchIsOrdered(t *testing.T) {
	// The second action is only legal because the first lowered the stack
	// by the backtrack rule.
	gs := &GameState{
		Hands: map[string][]Card{
			"alice": {{ID: 0, Value: 40}, {ID: 1, Value: 45}},
		},
		Stacks: []Stack{
			{ID: 0, Ascending: true, CurrentValue: 50},
			{ID: 1, Ascending: true, CurrentValue: ascendingBase},
			{ID: 2, Ascending: false, CurrentValue: descendingBase},
			{ID: 3, Ascending: false, CurrentValue: descendingBase},
		},
	}

	err := gs.applyPlay("alice", []PlayAction{
		{CardID: 0, StackID: 0},
		{CardID: 1, StackID: 0},
	}, true)
	require.NoError(t, err)

	assert.Equal(t, 45, gs.Stacks[0].CurrentValue)
	assert.Empty(t, gs.Hands["alice"])
}

func TestApplyPlayFailsAtomically(t *testing.T) {
	gs := &GameState{
		DrawPile: []Card{{ID: 50, Value: 52}},
		Hands: map[string][]Card{
			"alice": {{ID: 5, Value: 7}, {ID: 6, Value: 8}},
		},
		Stacks: baseStacks(),
	}

	tests := []struct {
		name    string
		actions []PlayAction
	}{
		{"card not in hand", []PlayAction{{CardID: 99, StackID: 0}}},
		{"unknown stack", []PlayAction{{CardID: 5, StackID: 7}}},
		{"illegal value", []PlayAction{{CardID: 5, StackID: 2}, {CardID: 6, StackID: 2}}},
		{"valid then invalid", []PlayAction{{CardID: 5, StackID: 0}, {CardID: 6, StackID: 9}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := gs.applyPlay("alice", tc.actions, true)
			require.Error(t, err)

			var playErr *playError
			require.ErrorAs(t, err, &playErr)

			assert.Len(t, gs.Hands["alice"], 2)
			assert.Len(t, gs.DrawPile, 1)
			assert.Equal(t, ascendingBase, gs.Stacks[0].CurrentValue)
		})
	}
}

func TestApplyPlayIllegalDescendingPair(t *testing.T) {
	// 7 then 8 on a descending stack: the first is legal, the second
	// violates monotonicity, so neither sticks.
	gs := &GameState{
		Hands: map[string][]Card{
			"alice": {{ID: 5, Value: 7}, {ID: 6, Value: 8}},
		},
		Stacks: baseStacks(),
	}

	err := gs.applyPlay("alice", []PlayAction{
		{CardID: 5, StackID: 2},
		{CardID: 6, StackID: 2},
	}, false)
	require.Error(t, err)
	assert.Equal(t, descendingBase, gs.Stacks[2].CurrentValue)
	assert.Len(t, gs.Hands["alice"], 2)
}

func TestApplyPlayReplenishesFromDrawPile(t *testing.T) {
	gs := &GameState{
		DrawPile: []Card{{ID: 90, Value: 92}, {ID: 91, Value: 93}, {ID: 92, Value: 94}},
		Hands: map[string][]Card{
			"alice": {{ID: 0, Value: 2}, {ID: 1, Value: 3}},
			"bob":   {{ID: 10, Value: 12}},
		},
		Stacks: baseStacks(),
	}

	before := gs.cardsInPlay()

	err := gs.applyPlay("alice", []PlayAction{
		{CardID: 0, StackID: 0},
		{CardID: 1, StackID: 0},
	}, false)
	require.NoError(t, err)

	// Two players at the table, so the hand refills toward seven cards,
	// bounded by the three cards left in the pile.
	assert.Len(t, gs.Hands["alice"], 3)
	assert.Empty(t, gs.DrawPile)
	assert.Equal(t, before-2, gs.cardsInPlay())
}

func TestCheckTerminalWon(t *testing.T) {
	gs := &GameState{
		Hands: map[string][]Card{
			"alice": {},
			"bob":   {},
		},
		Stacks:       baseStacks(),
		ActivePlayer: "alice",
	}

	assert.Equal(t, outcomeWon, gs.checkTerminal(true))
}

func TestCheckTerminalLost(t *testing.T) {
	gs := &GameState{
		Hands: map[string][]Card{
			"alice": {{ID: 48, Value: 50}},
			"bob":   {},
		},
		Stacks: []Stack{
			{ID: 0, Ascending: true, CurrentValue: 97},
			{ID: 1, Ascending: true, CurrentValue: 98},
			{ID: 2, Ascending: false, CurrentValue: 3},
			{ID: 3, Ascending: false, CurrentValue: 4},
		},
		ActivePlayer: "alice",
	}

	assert.Equal(t, outcomeLost, gs.checkTerminal(true))

	// The backtrack rule can be the difference between lost and ongoing.
	gs.Hands["alice"] = []Card{{ID: 85, Value: 87}}
	assert.Equal(t, outcomeOngoing, gs.checkTerminal(true))
	assert.Equal(t, outcomeLost, gs.checkTerminal(false))
}

func TestCheckTerminalOngoing(t *testing.T) {
	gs := &GameState{
		DrawPile: []Card{{ID: 50, Value: 52}},
		Hands: map[string][]Card{
			"alice": {{ID: 5, Value: 7}},
		},
		Stacks:       baseStacks(),
		ActivePlayer: "alice",
	}

	assert.Equal(t, outcomeOngoing, gs.checkTerminal(false))

	// Empty-handed players are skipped, not stuck.
	gs.Hands["alice"] = nil
	assert.Equal(t, outcomeOngoing, gs.checkTerminal(false))
}
