// Cardparty party lifecycle
//
// A party moves through three phases: gathering (members may join, the
// owner may start), running (the game is in progress), and finished (won
// or lost, read-only). Each party is a hub owning its own state; a single
// goroutine drains its inbound queue, so two events addressed to the same
// party are never applied concurrently, while distinct parties proceed
// independently.
//
// Features:
// - Members join with a username, unique within the party
// - Every member holds a signed token binding them to (party, username)
// - Rejoining with the token survives a lost connection
// - Members vote on who plays first; plurality wins, earliest-cast
//   nominee breaks ties
// - Plays are validated as an ordered, all-or-nothing batch
// - Game state is personalized per member; nobody sees another hand
// - Idle members are dropped after a configurable timeout, their cards
//   returned to the bottom of the draw pile

package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	phaseGathering = "gathering"
	phaseRunning   = "running"
	phaseFinished  = "finished"
)

type inboundEvent struct {
	client *Client
	ev     Event
}

type Party struct {
	id     string
	nonce  string // distinguishes this instance from any later reuse of id
	owner  string
	cfg    *Config
	tokens *tokenIssuer

	clients map[*Client]bool

	unreg   chan *Client
	inbound chan inboundEvent
	done    chan struct{}

	closeOnce sync.Once

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time

	phase   string
	outcome TerminalOutcome
	members []string // join order doubles as seating order
	game    *GameState

	votes      map[string]string // voter -> nominee
	nomineeSeq map[string]int    // nominee -> order of first received vote
	voteSeq    int
}

func newParty(id, owner string, cfg *Config, tokens *tokenIssuer) *Party {
	now := time.Now()

	return &Party{
		id:         id,
		nonce:      uuid.NewString(),
		owner:      owner,
		cfg:        cfg,
		tokens:     tokens,
		clients:    make(map[*Client]bool),
		unreg:      make(chan *Client),
		inbound:    make(chan inboundEvent),
		done:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
		phase:      phaseGathering,
		votes:      make(map[string]string),
		nomineeSeq: make(map[string]int),
	}
}

func (p *Party) run() {
	for {
		select {
		case c := <-p.unreg:
			p.handleUnregister(c)

		case in := <-p.inbound:
			p.dispatch(in.client, in.ev)

		case <-p.done:
			return
		}
	}
}

func (p *Party) dispatch(c *Client, ev Event) {
	switch ev.Data.(type) {
	case JoinParty:
		p.handleJoin(c, ev)
	case RejoinParty:
		p.handleRejoin(c, ev)
	case StartGame:
		p.handleStart(c, ev)
	case PlayCards:
		p.handlePlay(c, ev)
	case PlayerStartVote:
		p.handleVote(c, ev)
	case RequestState:
		p.handleRequestState(c, ev)
	case SendMessage:
		p.handleChat(c, ev)
	}
}

// deliver queues an event for the party's run loop.
func (p *Party) deliver(c *Client, ev Event) {
	select {
	case p.inbound <- inboundEvent{client: c, ev: ev}:
	case <-p.done:
	}
}

// leave hands a dropped connection to the run loop.
func (p *Party) leave(c *Client) {
	select {
	case p.unreg <- c:
	case <-p.done:
	}
}

// adopt pre-joins the owner into a freshly created party and answers with
// PartyCreated. Called by the registry exactly once per party.
func (p *Party) adopt(c *Client, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	token, err := p.tokens.issue(p.id, p.nonce, p.owner)
	if err != nil {
		p.replyAuthLocked(c, ev, "could not issue token")

		return
	}

	p.members = append(p.members, p.owner)
	c.bind(p, p.owner)
	p.clients[c] = true

	p.sendLocked(c, newEvent(kindPartyCreated, PartyCreated{
		ResponseTo: ev.ID,
		PartyID:    p.id,
		AuthToken:  token,
	}))

	logf(p.cfg, "PARTY: Created %s for %q", p.id, p.owner)
}

// handleJoin registers a new member. Allowed while gathering or running;
// a member joining a running game is dealt a hand from the draw pile.
func (p *Party) handleJoin(c *Client, ev Event) {
	data := ev.Data.(JoinParty)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	if p.phase == phaseFinished {
		p.replyAuthLocked(c, ev, "party is finished")

		return
	}

	if p.isMemberLocked(data.Username) {
		p.replyAuthLocked(c, ev, "username already taken")

		return
	}

	token, err := p.tokens.issue(p.id, p.nonce, data.Username)
	if err != nil {
		p.replyAuthLocked(c, ev, "could not issue token")

		return
	}

	p.members = append(p.members, data.Username)

	if p.game != nil {
		p.game.Hands[data.Username] = nil
		p.game.dealHand(data.Username, handSizeFor(len(p.members)))
	}

	c.bind(p, data.Username)
	p.clients[c] = true

	p.sendLocked(c, newEvent(kindPartyJoined, PartyJoined{
		ResponseTo: ev.ID,
		PartyID:    p.id,
		AuthToken:  token,
	}))

	if p.game != nil {
		p.broadcastStateLocked()
	}

	logf(p.cfg, "PARTY: %q joined %s", data.Username, p.id)
}

// handleRejoin reauthenticates a returning member. The token is the
// identity: the username comes from its claims, never from the event.
func (p *Party) handleRejoin(c *Client, ev Event) {
	data := ev.Data.(RejoinParty)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	username, err := p.tokens.verify(data.AuthToken, p.id, p.nonce)
	if err != nil {
		p.replyAuthLocked(c, ev, err.Error())

		return
	}

	// A member reaped while disconnected is re-admitted; their hand was
	// already folded back into the draw pile.
	if !p.isMemberLocked(username) {
		if p.phase == phaseFinished {
			p.replyAuthLocked(c, ev, "party is finished")

			return
		}

		p.members = append(p.members, username)

		if p.game != nil {
			p.game.Hands[username] = nil
			p.game.dealHand(username, handSizeFor(len(p.members)))
		}
	}

	c.bind(p, username)
	p.clients[c] = true

	p.sendLocked(c, newEvent(kindPartyJoined, PartyJoined{
		ResponseTo: ev.ID,
		PartyID:    p.id,
		AuthToken:  data.AuthToken,
	}))

	if p.game != nil {
		p.sendLocked(c, p.stateEventForLocked(username))
	}

	logf(p.cfg, "PARTY: %q rejoined %s", username, p.id)
}

// handleStart deals the cards. Owner only.
func (p *Party) handleStart(c *Client, ev Event) {
	data := ev.Data.(StartGame)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	username, err := p.tokens.verify(data.AuthToken, p.id, p.nonce)
	if err != nil {
		p.replyAuthLocked(c, ev, err.Error())

		return
	}

	if username != p.owner {
		p.replyAuthLocked(c, ev, "only the party owner can start the game")

		return
	}

	if p.phase != phaseGathering {
		p.replyAuthLocked(c, ev, "game already started")

		return
	}

	p.game = newGameState(p.members)
	p.phase = phaseRunning
	p.votes = make(map[string]string)
	p.nomineeSeq = make(map[string]int)
	p.voteSeq = 0

	p.broadcastStateLocked()

	logf(p.cfg, "PARTY: %q started the game in %s with %d players", username, p.id, len(p.members))
}

// handleVote records a start-order vote. Votes are open until every
// current member has cast one; a member may change their vote until then.
func (p *Party) handleVote(c *Client, ev Event) {
	data := ev.Data.(PlayerStartVote)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	username := c.boundUsername()
	if username == "" || !p.isMemberLocked(username) {
		p.replyAuthLocked(c, ev, "join the party before voting")

		return
	}

	if p.phase != phaseRunning || p.game == nil {
		p.replyInvalidLocked(c, ev, "no game in progress")

		return
	}

	if p.game.ActivePlayer != "" {
		p.replyInvalidLocked(c, ev, "turn order already decided")

		return
	}

	if !p.isMemberLocked(data.Nominee) {
		p.replyInvalidLocked(c, ev, "no such member: "+data.Nominee)

		return
	}

	if _, seen := p.nomineeSeq[data.Nominee]; !seen {
		p.nomineeSeq[data.Nominee] = p.voteSeq
		p.voteSeq++
	}

	p.votes[username] = data.Nominee

	p.resolveVotesLocked()
}

// resolveVotesLocked picks the first player once all members have voted:
// most votes wins, and a tie goes to the nominee whose first vote was
// cast earliest.
func (p *Party) resolveVotesLocked() {
	if p.game == nil || p.game.ActivePlayer != "" || len(p.votes) < len(p.members) {
		return
	}

	tally := make(map[string]int, len(p.votes))
	for _, nominee := range p.votes {
		tally[nominee]++
	}

	winner := ""
	for nominee, count := range tally {
		if !p.isMemberLocked(nominee) {
			continue
		}

		if winner == "" ||
			count > tally[winner] ||
			(count == tally[winner] && p.nomineeSeq[nominee] < p.nomineeSeq[winner]) {
			winner = nominee
		}
	}

	if winner == "" {
		return
	}

	p.game.ActivePlayer = winner
	p.votes = make(map[string]string)
	p.nomineeSeq = make(map[string]int)
	p.voteSeq = 0

	logf(p.cfg, "PARTY: %q plays first in %s", winner, p.id)

	p.settleLocked()
}

// handlePlay validates and applies a batch of card plays, then checks for
// a terminal outcome.
func (p *Party) handlePlay(c *Client, ev Event) {
	data := ev.Data.(PlayCards)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	username, err := p.tokens.verify(data.AuthToken, p.id, p.nonce)
	if err != nil {
		p.replyAuthLocked(c, ev, err.Error())

		return
	}

	if !p.isMemberLocked(username) {
		p.replyAuthLocked(c, ev, "not a member of this party")

		return
	}

	if p.phase == phaseFinished {
		p.replyInvalidLocked(c, ev, "game is over")

		return
	}

	if p.phase != phaseRunning || p.game == nil {
		p.replyInvalidLocked(c, ev, "no game in progress")

		return
	}

	if p.game.ActivePlayer == "" {
		p.replyInvalidLocked(c, ev, "turn order has not been decided")

		return
	}

	if p.game.ActivePlayer != username {
		p.replyInvalidLocked(c, ev, "not your turn")

		return
	}

	backtrack := !p.cfg.noBacktrack

	if err := p.game.applyPlay(username, data.Actions, backtrack); err != nil {
		p.replyInvalidLocked(c, ev, err.Error())

		return
	}

	logf(p.cfg, "PARTY: %q played %d cards in %s", username, len(data.Actions), p.id)

	if p.game.checkTerminal(backtrack) == outcomeWon {
		p.finishLocked(outcomeWon)

		return
	}

	p.advanceTurnLocked()
	p.settleLocked()
}

// settleLocked finishes the game if the table has reached a terminal
// outcome, and otherwise broadcasts the updated state. Must run whenever
// the active player changes, including outside of a play: a removal or a
// vote can hand the turn to someone with no legal move.
func (p *Party) settleLocked() {
	if p.phase == phaseRunning && p.game != nil {
		if outcome := p.game.checkTerminal(!p.cfg.noBacktrack); outcome != outcomeOngoing {
			p.finishLocked(outcome)

			return
		}
	}

	p.broadcastStateLocked()
}

// advanceTurnLocked passes the turn to the next member in seating order
// who still holds cards.
func (p *Party) advanceTurnLocked() {
	if p.game == nil || len(p.members) == 0 {
		return
	}

	cur := -1
	for i, m := range p.members {
		if m == p.game.ActivePlayer {
			cur = i
			break
		}
	}

	for i := 1; i <= len(p.members); i++ {
		next := p.members[(cur+i)%len(p.members)]
		if len(p.game.Hands[next]) > 0 {
			p.game.ActivePlayer = next

			return
		}
	}
}

// finishLocked freezes the party in its terminal phase and tells everyone.
func (p *Party) finishLocked(outcome TerminalOutcome) {
	p.phase = phaseFinished
	p.outcome = outcome

	p.broadcastStateLocked()

	switch outcome {
	case outcomeWon:
		p.broadcastLocked(newEvent(kindPlayersWon, PlayersWon{}))
		logf(p.cfg, "PARTY: %s won", p.id)
	case outcomeLost:
		p.broadcastLocked(newEvent(kindPlayersLost, PlayersLost{}))
		logf(p.cfg, "PARTY: %s lost", p.id)
	}
}

// handleRequestState resends the requester's personalized view.
func (p *Party) handleRequestState(c *Client, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	username := c.boundUsername()
	if username == "" || !p.isMemberLocked(username) {
		p.replyAuthLocked(c, ev, "join the party first")

		return
	}

	if p.game == nil {
		p.replyInvalidLocked(c, ev, "no game in progress")

		return
	}

	p.sendLocked(c, p.stateEventForLocked(username))
}

// handleChat relays a chat line to all members. Allowed in any phase.
func (p *Party) handleChat(c *Client, ev Event) {
	data := ev.Data.(SendMessage)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastActive = time.Now()

	username, err := p.tokens.verify(data.AuthToken, p.id, p.nonce)
	if err != nil {
		p.replyAuthLocked(c, ev, err.Error())

		return
	}

	p.broadcastLocked(newEvent(kindChatMessage, ChatMessage{
		Username: username,
		Message:  data.Message,
	}))
}

func (p *Party) handleUnregister(c *Client) {
	p.mu.Lock()

	p.lastActive = time.Now()

	if _, ok := p.clients[c]; ok {
		delete(p.clients, c)
		c.closeSend()
	}

	username := c.boundUsername()
	timeout := p.cfg.playerTimeout

	p.mu.Unlock()

	if username != "" && timeout > 0 {
		go p.scheduleRemoval(username, timeout)
	}
}

// scheduleRemoval waits for d, and if no connection for this member has
// come back, drops their membership and folds their cards back into the
// draw pile.
func (p *Party) scheduleRemoval(username string, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-p.done:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for client := range p.clients {
		if client.boundUsername() == username {
			return
		}
	}

	p.removeMemberLocked(username)
}

func (p *Party) removeMemberLocked(username string) {
	dst := p.members[:0]
	changed := false

	for _, m := range p.members {
		if m == username {
			changed = true
			continue
		}
		dst = append(dst, m)
	}
	p.members = dst

	if !changed {
		return
	}

	delete(p.votes, username)
	p.lastActive = time.Now()

	if p.game != nil {
		if p.game.ActivePlayer == username {
			p.advanceTurnLocked()
			if p.game.ActivePlayer == username {
				p.game.ActivePlayer = ""
			}
		}

		// Cards go to the bottom of the pile, keeping the card count in
		// play constant.
		p.game.DrawPile = append(p.game.DrawPile, p.game.Hands[username]...)
		delete(p.game.Hands, username)

		p.resolveVotesLocked()

		if p.phase == phaseRunning {
			p.settleLocked()
		}
	}

	logf(p.cfg, "PARTY: %q timed out of %s", username, p.id)
}

func (p *Party) isMemberLocked(username string) bool {
	for _, m := range p.members {
		if m == username {
			return true
		}
	}

	return false
}

// stateEventForLocked builds the personalized GAME/STATE view: the
// receiver's own hand, everyone's card counts, and the shared table.
func (p *Party) stateEventForLocked(username string) Event {
	gs := p.game

	counts := make(map[string]int, len(gs.Hands))
	for name, hand := range gs.Hands {
		counts[name] = len(hand)
	}

	hand := make([]Card, len(gs.Hands[username]))
	copy(hand, gs.Hands[username])

	stacks := make([]Stack, len(gs.Stacks))
	copy(stacks, gs.Stacks)

	msg := GameStateMessage{
		PlayerHand:         hand,
		PlayersCardsCount:  counts,
		Stacks:             stacks,
		DrawStackCardCount: len(gs.DrawPile),
	}

	if gs.ActivePlayer != "" {
		active := gs.ActivePlayer
		msg.ActivePlayer = &active
	}

	return newEvent(kindGameState, msg)
}

func (p *Party) broadcastStateLocked() {
	if p.game == nil {
		return
	}

	for client := range p.clients {
		if username := client.boundUsername(); username != "" {
			p.sendLocked(client, p.stateEventForLocked(username))
		}
	}
}

func (p *Party) broadcastLocked(ev Event) {
	for client := range p.clients {
		p.sendLocked(client, ev)
	}
}

func (p *Party) sendLocked(c *Client, ev Event) {
	if !c.enqueue(ev) {
		delete(p.clients, c)
		c.closeSend()
	}
}

func (p *Party) replyAuthLocked(c *Client, ev Event, reason string) {
	p.sendLocked(c, newEvent(kindAuthError, AuthError{
		ResponseTo: ev.ID,
		Reason:     reason,
	}))
}

func (p *Party) replyInvalidLocked(c *Client, ev Event, reason string) {
	p.sendLocked(c, newEvent(kindInvalidPlay, InvalidPlayError{
		ResponseTo: ev.ID,
		Reason:     reason,
	}))
}

// close disconnects all clients and stops the run loop (used by the
// reaper and registry shutdown).
func (p *Party) close() {
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		defer p.mu.Unlock()

		for c := range p.clients {
			c.closeSend()
			if c.conn != nil {
				_ = c.conn.Close()
			}
			delete(p.clients, c)
		}
	})
}
