package main

import (
	"crypto/rand"
	"fmt"
)

// The deck runs 2-99 inclusive; the four shared stacks bracket it, two
// counting up from 1 and two counting down from 100.
const (
	lowestCardValue  = 2
	highestCardValue = 99
	ascendingBase    = 1
	descendingBase   = 100
	stackCount       = 4
)

// Card is immutable once dealt; its id doubles as its position in the
// unshuffled deck.
type Card struct {
	ID    int `json:"id"`
	Value int `json:"value"`
}

// Stack is one of the four shared piles. CurrentValue is the value of the
// most recently placed card, or the base value before any play.
type Stack struct {
	ID           int  `json:"id"`
	Ascending    bool `json:"ascending"`
	CurrentValue int  `json:"currentValue"`
}

// PlayAction places one card from the acting player's hand onto one stack.
type PlayAction struct {
	CardID  int `json:"cardId"`
	StackID int `json:"stackId"`
}

// GameState is the authoritative table state for one running party. Every
// dealt card is in exactly one place: the draw pile, one hand, or the top
// of one stack.
type GameState struct {
	DrawPile     []Card
	Hands        map[string][]Card
	Stacks       []Stack
	ActivePlayer string // empty until the start vote resolves
}

type playError struct {
	reason string
}

func (e *playError) Error() string {
	return e.reason
}

// handSizeFor returns the table hand size: 8 solo, 7 for two players,
// 6 for three or more.
func handSizeFor(players int) int {
	switch {
	case players <= 1:
		return 8
	case players == 2:
		return 7
	default:
		return 6
	}
}

// shuffleCards is a Fisher-Yates shuffle using crypto/rand, with rejection
// sampling to keep every position equally likely.
func shuffleCards(cards []Card) {
	for i := len(cards) - 1; i > 0; i-- {
		j := randomBelow(i + 1)
		cards[i], cards[j] = cards[j], cards[i]
	}
}

// randomBelow returns a uniform int in [0, n) for n <= 256.
func randomBelow(n int) int {
	max := byte(255 - (256 % n))

	var b [1]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		if b[0] <= max {
			return int(b[0]) % n
		}
	}
}

// newGameState shuffles a fresh deck, deals each player a full hand, and
// initializes the four stacks.
func newGameState(players []string) *GameState {
	deck := make([]Card, 0, highestCardValue-lowestCardValue+1)
	for v := lowestCardValue; v <= highestCardValue; v++ {
		deck = append(deck, Card{
			ID:    v - lowestCardValue,
			Value: v,
		})
	}

	shuffleCards(deck)

	gs := &GameState{
		DrawPile: deck,
		Hands:    make(map[string][]Card, len(players)),
		Stacks: []Stack{
			{ID: 0, Ascending: true, CurrentValue: ascendingBase},
			{ID: 1, Ascending: true, CurrentValue: ascendingBase},
			{ID: 2, Ascending: false, CurrentValue: descendingBase},
			{ID: 3, Ascending: false, CurrentValue: descendingBase},
		},
	}

	size := handSizeFor(len(players))
	for _, name := range players {
		gs.Hands[name] = nil
		gs.dealHand(name, size)
	}

	return gs
}

// dealHand moves cards from the draw pile into a hand until the hand holds
// size cards or the pile is empty.
func (gs *GameState) dealHand(username string, size int) {
	hand := gs.Hands[username]

	for len(hand) < size && len(gs.DrawPile) > 0 {
		hand = append(hand, gs.DrawPile[0])
		gs.DrawPile = gs.DrawPile[1:]
	}

	gs.Hands[username] = hand
}

// isLegalPlay reports whether card may be placed on stack: the value must
// continue the stack's direction, or land exactly ten back when the
// backtrack rule is enabled.
func isLegalPlay(stack Stack, card Card, backtrack bool) bool {
	if stack.Ascending {
		if card.Value > stack.CurrentValue {
			return true
		}

		return backtrack && card.Value == stack.CurrentValue-10
	}

	if card.Value < stack.CurrentValue {
		return true
	}

	return backtrack && card.Value == stack.CurrentValue+10
}

// applyPlay processes actions in order against username's hand. The batch
// is atomic: any invalid action leaves the state untouched. On success the
// played cards are gone from the hand, each target stack shows its new top
// value, and the hand is refilled from the draw pile up to the table hand
// size.
func (gs *GameState) applyPlay(username string, actions []PlayAction, backtrack bool) error {
	hand, ok := gs.Hands[username]
	if !ok {
		return &playError{reason: fmt.Sprintf("no hand for %q", username)}
	}

	// Work on copies so a failed action can't leave a half-applied batch.
	scratch := make([]Card, len(hand))
	copy(scratch, hand)

	stacks := make([]Stack, len(gs.Stacks))
	copy(stacks, gs.Stacks)

	for _, action := range actions {
		cardIndex := -1
		for i, c := range scratch {
			if c.ID == action.CardID {
				cardIndex = i
				break
			}
		}
		if cardIndex == -1 {
			return &playError{reason: fmt.Sprintf("card %d is not in your hand", action.CardID)}
		}

		if action.StackID < 0 || action.StackID >= len(stacks) {
			return &playError{reason: fmt.Sprintf("no such stack: %d", action.StackID)}
		}

		card := scratch[cardIndex]
		stack := stacks[action.StackID]

		if !isLegalPlay(stack, card, backtrack) {
			return &playError{reason: fmt.Sprintf("card %d cannot go on stack %d at %d",
				card.Value, stack.ID, stack.CurrentValue)}
		}

		stacks[action.StackID].CurrentValue = card.Value
		scratch = append(scratch[:cardIndex], scratch[cardIndex+1:]...)
	}

	gs.Hands[username] = scratch
	gs.Stacks = stacks
	gs.dealHand(username, handSizeFor(len(gs.Hands)))

	return nil
}

// TerminalOutcome is the result of checkTerminal.
type TerminalOutcome int

const (
	outcomeOngoing TerminalOutcome = iota
	outcomeWon
	outcomeLost
)

// checkTerminal inspects the table after a play. The game is won when the
// draw pile and every hand are empty, and lost when the player to act
// holds cards but no card in their hand fits any stack.
func (gs *GameState) checkTerminal(backtrack bool) TerminalOutcome {
	if len(gs.DrawPile) == 0 {
		empty := true
		for _, hand := range gs.Hands {
			if len(hand) > 0 {
				empty = false
				break
			}
		}
		if empty {
			return outcomeWon
		}
	}

	if gs.ActivePlayer == "" {
		return outcomeOngoing
	}

	hand := gs.Hands[gs.ActivePlayer]
	if len(hand) == 0 {
		return outcomeOngoing
	}

	for _, card := range hand {
		for _, stack := range gs.Stacks {
			if isLegalPlay(stack, card, backtrack) {
				return outcomeOngoing
			}
		}
	}

	return outcomeLost
}

// cardsInPlay counts every card in hands and the draw pile. Constant for
// the lifetime of a game; a drift means a card accounting bug.
func (gs *GameState) cardsInPlay() int {
	total := len(gs.DrawPile)
	for _, hand := range gs.Hands {
		total += len(hand)
	}

	return total
}
