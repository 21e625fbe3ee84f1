// Package dummy is the reference bot. It plays whatever deck the host offers
// and discards its first card every turn.
//
// The host sends these params:
//
//	create_session      {"player": 0, "stage": 3, "deck": [...]}   (deck optional)
//	session_initialize  {"player": 0, "game": {...}}
//	session_query       {...game state...}
//	session_update      {"game": {...}, "moves": [...]}
//	session_finalize    {...}
//
// A create_session without a deck is not an error here: the bot answers with
// a null deck and leaves the choice to the host.
package dummy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/basket/turfbot/internal/bot"
	"github.com/basket/turfbot/internal/shared"
)

// Name is the advertised bot name.
const Name = "PyDummy"

// Move is the decision returned from every query.
type Move struct {
	Action string `json:"action"`
	Hand   int    `json:"hand"`
}

// New returns the dummy bot. Its players log through logger (nil means
// slog.Default()).
func New(logger *slog.Logger) (*bot.Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return bot.New(bot.Definition{
		Info: bot.Info{
			Name:    Name,
			Support: bot.Support{Stages: []int{}, AnyDeck: true},
		},
		NewPlayer:  func() bot.Player { return &player{logger: logger} },
		SelectDeck: selectDeck,
	})
}

// createParams reads only the deck; the rest of the host params are not
// needed to pick one.
type createParams struct {
	Deck bot.Deck `json:"deck"`
}

// selectDeck hands back the host's deck unchanged.
func selectDeck(_ context.Context, params json.RawMessage) (bot.Deck, error) {
	if params == nil {
		return nil, nil
	}
	var p createParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("decode create_session params: %w", err)
	}
	if string(p.Deck) == "null" {
		return nil, nil
	}
	return p.Deck, nil
}

type player struct {
	logger *slog.Logger
	seat   int
	turn   int
}

type initParams struct {
	Player int             `json:"player"`
	Game   json.RawMessage `json:"game"`
}

func (p *player) Initialize(ctx context.Context, params json.RawMessage) error {
	var in initParams
	if params != nil {
		if err := json.Unmarshal(params, &in); err != nil {
			p.logger.Debug("dummy: unreadable init params", "error", err)
		}
	}
	p.seat = in.Player
	p.turn = 0
	p.logger.Debug("dummy: initialized", "session_id", shared.SessionID(ctx), "player", p.seat)
	return nil
}

func (p *player) Query(context.Context, json.RawMessage) (any, error) {
	return Move{Action: "discard", Hand: 0}, nil
}

func (p *player) Update(ctx context.Context, _ json.RawMessage) error {
	p.turn++
	p.logger.Debug("dummy: update", "session_id", shared.SessionID(ctx), "player", p.seat, "turn", p.turn)
	return nil
}

func (p *player) Finalize(ctx context.Context, _ json.RawMessage) error {
	p.logger.Debug("dummy: finalized", "session_id", shared.SessionID(ctx), "player", p.seat, "turns", p.turn)
	return nil
}
