// Package bot defines what a playable bot is and exposes it over JSON-RPC.
//
// A Bot pairs static metadata (Info) with a factory for per-match Players and
// an optional deck selector. NewEndpoint publishes a Bot on one connection:
// every create_session call mints a Session in that connection's Registry,
// and the session_* methods route to it by id.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// DeckSelector picks a deck from the create_session params before the
// session exists. A nil Deck leaves the choice to the host.
type DeckSelector func(ctx context.Context, params json.RawMessage) (Deck, error)

// Definition describes a bot implementation.
type Definition struct {
	Info       Info
	NewPlayer  func() Player
	SelectDeck DeckSelector
}

// Bot is an immutable, validated Definition. It is safe to share across
// connections.
type Bot struct {
	info       Info
	newPlayer  func() Player
	selectDeck DeckSelector
}

// New validates def and returns the bot it describes.
func New(def Definition) (*Bot, error) {
	if def.NewPlayer == nil {
		return nil, errors.New("bot definition has no player factory")
	}
	if err := def.Info.Validate(); err != nil {
		return nil, fmt.Errorf("bot %q: %w", def.Info.Name, err)
	}
	info := def.Info
	info.Support.Stages = append([]int(nil), def.Info.Support.Stages...)
	info.Support.Decks = append([]Deck(nil), def.Info.Support.Decks...)
	return &Bot{
		info:       info,
		newPlayer:  def.NewPlayer,
		selectDeck: def.SelectDeck,
	}, nil
}

// Info returns the bot's advertised metadata.
func (b *Bot) Info() Info { return b.info }

func (b *Bot) Name() string { return b.info.Name }

// CreateSession selects a deck from params and starts a new session. The
// selector runs first; if it fails no session is created.
func (b *Bot) CreateSession(ctx context.Context, params json.RawMessage) (*Session, Deck, error) {
	var deck Deck
	if b.selectDeck != nil {
		d, err := b.selectDeck(ctx, params)
		if err != nil {
			return nil, nil, fmt.Errorf("select deck: %w", err)
		}
		deck = d
	}
	p := b.newPlayer()
	if p == nil {
		return nil, nil, errors.New("player factory returned nil")
	}
	return NewSession(p), deck, nil
}
