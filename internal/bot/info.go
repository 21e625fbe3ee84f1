package bot

import (
	"encoding/json"
	"fmt"
)

// Deck is an opaque deck description. The framework never inspects it; a nil
// Deck encodes as JSON null, meaning "let the host decide".
type Deck = json.RawMessage

// Info is the static metadata a bot advertises through get_bot_info.
type Info struct {
	Name    string  `json:"name"`
	Support Support `json:"support"`
}

// Support lists what a bot can play. When AnyDeck is set Decks is ignored and
// not encoded.
type Support struct {
	Stages  []int
	Decks   []Deck
	AnyDeck bool
}

type anyDeckSupport struct {
	Stages  []int `json:"stages"`
	AnyDeck bool  `json:"anyDeck"`
}

type fixedDeckSupport struct {
	Stages []int  `json:"stages"`
	Decks  []Deck `json:"decks"`
}

func (s Support) MarshalJSON() ([]byte, error) {
	stages := s.Stages
	if stages == nil {
		stages = []int{}
	}
	if s.AnyDeck {
		return json.Marshal(anyDeckSupport{Stages: stages, AnyDeck: true})
	}
	decks := s.Decks
	if decks == nil {
		decks = []Deck{}
	}
	return json.Marshal(fixedDeckSupport{Stages: stages, Decks: decks})
}

func (s *Support) UnmarshalJSON(data []byte) error {
	var raw struct {
		Stages  []int  `json:"stages"`
		Decks   []Deck `json:"decks"`
		AnyDeck bool   `json:"anyDeck"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode support: %w", err)
	}
	*s = Support{Stages: raw.Stages, Decks: raw.Decks, AnyDeck: raw.AnyDeck}
	if s.AnyDeck {
		s.Decks = nil
	}
	return nil
}

// ParseInfo decodes bot metadata received from a peer and validates it.
func ParseInfo(raw []byte) (Info, error) {
	if err := validateInfoJSON(raw); err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, fmt.Errorf("decode bot info: %w", err)
	}
	return info, nil
}

// Validate checks the encoded form of i against the bot info schema.
func (i Info) Validate() error {
	raw, err := json.Marshal(i)
	if err != nil {
		return fmt.Errorf("encode bot info: %w", err)
	}
	return validateInfoJSON(raw)
}
