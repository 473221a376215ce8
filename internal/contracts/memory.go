package contracts

import "fmt"

// MemoryQuery is published on memory/query by the router once STT
// final text is available, before the LLM request is sent.
type MemoryQuery struct {
	UttID string `json:"utt_id"`
	Text  string `json:"text"`
	TopK  int    `json:"top_k,omitempty"`
}

func (q MemoryQuery) Validate() error {
	if q.UttID == "" {
		return fmt.Errorf("memory query: utt_id required")
	}
	if q.TopK < 0 {
		return fmt.Errorf("memory query: top_k must be >= 0, got %d", q.TopK)
	}
	return nil
}

// MemoryResultItem is one retrieved memory snippet.
type MemoryResultItem struct {
	Text  string  `json:"text"`
	Score float64 `json:"score,omitempty"`
}

// MemoryResults is published on memory/results; the router folds
// Items into the LLM request's Context. An empty Items is
// valid — no relevant memory found.
type MemoryResults struct {
	UttID string             `json:"utt_id"`
	Items []MemoryResultItem `json:"items"`
}

func (r MemoryResults) Validate() error {
	if r.UttID == "" {
		return fmt.Errorf("memory results: utt_id required")
	}
	return nil
}

// CharacterCurrent is the retained snapshot of the active character
// persona, published on system/character/current whenever it changes.
type CharacterCurrent struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`
}

func (c CharacterCurrent) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("character current: name required")
	}
	return nil
}

// CharacterGet is published on system/character/get to request the
// active character out of band from the retained snapshot.
type CharacterGet struct {
	RequestID string `json:"request_id"`
}

func (g CharacterGet) Validate() error {
	if g.RequestID == "" {
		return fmt.Errorf("character get: request_id required")
	}
	return nil
}

// CharacterResult answers a CharacterGet on system/character/result.
type CharacterResult struct {
	RequestID string `json:"request_id"`
	Name      string `json:"name"`
	Prompt    string `json:"prompt,omitempty"`
}

func (r CharacterResult) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("character result: request_id required")
	}
	if r.Name == "" {
		return fmt.Errorf("character result: name required")
	}
	return nil
}
