package main

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Event tags, shared between client and server. The string is the
// discriminant carried in the "type" field of every frame.
const (
	kindCreateParty   = "PARTY/CREATE_PARTY"
	kindPartyCreated  = "PARTY/PARTY_CREATED"
	kindJoinParty     = "PARTY/JOIN"
	kindRejoinParty   = "PARTY/REJOIN"
	kindPartyJoined   = "PARTY/PARTY_JOINED"
	kindStartGame     = "PARTY/START"
	kindGameState     = "GAME/STATE"
	kindPlayCards     = "GAME/PLAY"
	kindStartVote     = "GAME/VOTE"
	kindRequestState  = "GAME/REQUEST_STATE"
	kindPlayersLost   = "GAME/PLAYER_LOST"
	kindPlayersWon    = "GAME/PLAYER_WON"
	kindSendMessage   = "CHAT/SEND_MESSAGE"
	kindChatMessage   = "CHAT/MESSAGE"
	kindPartyNotFound = "ERROR/PARTY_NOT_FOUND"
	kindInvalidPlay   = "ERROR/INVALID_PLAY"
	kindAuthError     = "ERROR/AUTHENTICATION"
)

var partyIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{4}$`)

var errInvalidPartyID = fmt.Errorf("party ids are %d alphanumeric characters", partyIDLength)

const partyIDLength = 4

// validatePartyID rejects malformed party ids before any registry lookup
// is attempted.
func validatePartyID(raw string) (string, error) {
	if !partyIDPattern.MatchString(raw) {
		return "", errInvalidPartyID
	}

	return raw, nil
}

// Event is the envelope every frame travels in. Data holds one of the
// payload structs below, selected by Kind.
type Event struct {
	ID   uuid.UUID
	Kind string
	Data any
}

type wireEvent struct {
	ID   uuid.UUID       `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:   e.ID,
		Type: e.Kind,
	}

	if e.Data != nil {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		w.Data = data
	}

	return json.Marshal(w)
}

// newEvent wraps a payload in an envelope with a fresh id.
func newEvent(kind string, data any) Event {
	return Event{
		ID:   uuid.New(),
		Kind: kind,
		Data: data,
	}
}

// CreateParty asks the server to open a new party.
type CreateParty struct {
	Owner string `json:"owner"`
}

// PartyCreated answers a CreateParty. Sent only to the requester.
type PartyCreated struct {
	ResponseTo uuid.UUID `json:"responseTo"`
	PartyID    string    `json:"partyId"`
	AuthToken  string    `json:"authToken"`
}

// JoinParty registers a new member with an existing party.
type JoinParty struct {
	Username string `json:"username"`
	PartyID  string `json:"partyId"`
}

// RejoinParty reauthenticates a returning member after a lost connection.
type RejoinParty struct {
	PartyID   string `json:"partyId"`
	AuthToken string `json:"authToken"`
}

// PartyJoined answers a JoinParty or RejoinParty. Sent only to the requester.
type PartyJoined struct {
	ResponseTo uuid.UUID `json:"responseTo"`
	PartyID    string    `json:"partyId"`
	AuthToken  string    `json:"authToken"`
}

// StartGame is sent by the party owner to deal the cards and begin play.
type StartGame struct {
	AuthToken string `json:"authToken"`
}

// GameStateMessage carries the personalized view of a running game.
// PlayerHand belongs to the receiving member only; other hands are
// reduced to counts.
type GameStateMessage struct {
	ActivePlayer       *string        `json:"activePlayer,omitempty"`
	PlayerHand         []Card         `json:"playerHand"`
	PlayersCardsCount  map[string]int `json:"playersCardsCount"`
	Stacks             []Stack        `json:"stacks"`
	DrawStackCardCount int            `json:"drawStackCardCount"`
}

// PlayCards deposits one or more cards on stacks, in order, atomically.
type PlayCards struct {
	AuthToken string       `json:"authToken"`
	Actions   []PlayAction `json:"actions"`
}

// PlayerStartVote nominates the member who should play first.
type PlayerStartVote struct {
	Nominee string `json:"nominee"`
}

// RequestState triggers a resend of GameStateMessage to the requester.
type RequestState struct{}

// PlayersLost is broadcast when no legal play remains for the active player.
type PlayersLost struct{}

// PlayersWon is broadcast when the draw pile and every hand are empty.
type PlayersWon struct{}

// SendMessage submits a chat line.
type SendMessage struct {
	AuthToken string `json:"authToken"`
	Message   string `json:"message"`
}

// ChatMessage relays a chat line to every member.
type ChatMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// PartyNotFoundError is sent only to the author of the offending event.
type PartyNotFoundError struct {
	ResponseTo uuid.UUID `json:"responseTo"`
	PartyID    string    `json:"partyId"`
}

// InvalidPlayError is sent only to the author of the offending event.
type InvalidPlayError struct {
	ResponseTo uuid.UUID `json:"responseTo"`
	Reason     string    `json:"reason"`
}

// AuthError is sent only to the author of the offending event.
type AuthError struct {
	ResponseTo uuid.UUID `json:"responseTo"`
	Reason     string    `json:"reason"`
}

type decodeError struct {
	kind   string
	reason string
}

func (e *decodeError) Error() string {
	if e.kind == "" {
		return "decode: " + e.reason
	}

	return "decode " + e.kind + ": " + e.reason
}

// decodeEvent parses a frame into a typed Event. Unknown tags, missing
// required fields, and malformed JSON all come back as a *decodeError;
// the frame is never partially applied.
func decodeEvent(raw []byte) (Event, error) {
	var w wireEvent

	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, &decodeError{reason: err.Error()}
	}

	if w.ID == uuid.Nil {
		return Event{}, &decodeError{kind: w.Type, reason: "missing event id"}
	}

	ev := Event{
		ID:   w.ID,
		Kind: w.Type,
	}

	fail := func(reason string) (Event, error) {
		return Event{}, &decodeError{kind: w.Type, reason: reason}
	}

	unmarshal := func(dst any) error {
		if len(w.Data) == 0 {
			return fmt.Errorf("missing data")
		}

		return json.Unmarshal(w.Data, dst)
	}

	switch w.Type {
	case kindCreateParty:
		var data CreateParty
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.Owner == "" {
			return fail("missing owner")
		}
		ev.Data = data

	case kindJoinParty:
		var data JoinParty
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.Username == "" {
			return fail("missing username")
		}
		if data.PartyID == "" {
			return fail("missing partyId")
		}
		ev.Data = data

	case kindRejoinParty:
		var data RejoinParty
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.PartyID == "" {
			return fail("missing partyId")
		}
		if data.AuthToken == "" {
			return fail("missing authToken")
		}
		ev.Data = data

	case kindStartGame:
		var data StartGame
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.AuthToken == "" {
			return fail("missing authToken")
		}
		ev.Data = data

	case kindPlayCards:
		var data PlayCards
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.AuthToken == "" {
			return fail("missing authToken")
		}
		if len(data.Actions) == 0 {
			return fail("missing actions")
		}
		ev.Data = data

	case kindStartVote:
		var data PlayerStartVote
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.Nominee == "" {
			return fail("missing nominee")
		}
		ev.Data = data

	case kindRequestState:
		ev.Data = RequestState{}

	case kindSendMessage:
		var data SendMessage
		if err := unmarshal(&data); err != nil {
			return fail(err.Error())
		}
		if data.AuthToken == "" {
			return fail("missing authToken")
		}
		if data.Message == "" {
			return fail("missing message")
		}
		ev.Data = data

	default:
		return fail("unknown tag")
	}

	return ev, nil
}
