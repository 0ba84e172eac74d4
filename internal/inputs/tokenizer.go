package inputs

import (
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// Token is one encoded token. Start and End are byte offsets into the
// encoded text.
type Token struct {
	ID    int
	Start int
	End   int
}

// Tokenizer turns text into tokens with their source spans.
type Tokenizer interface {
	Encode(text string) ([]Token, error)
}

// HFTokenizer wraps a Hugging Face tokenizer.json.
type HFTokenizer struct {
	tk *tokenizer.Tokenizer
}

// LoadHFTokenizer reads a tokenizer.json file.
func LoadHFTokenizer(path string) (*HFTokenizer, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("inputs: load tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{tk: tk}, nil
}

// Encode adds the model's special tokens, as the server does when it
// counts prompt tokens.
func (h *HFTokenizer) Encode(text string) ([]Token, error) {
	enc, err := h.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("inputs: encode: %w", err)
	}
	out := make([]Token, len(enc.Ids))
	for i, id := range enc.Ids {
		out[i].ID = id
		if i < len(enc.Offsets) && len(enc.Offsets[i]) == 2 {
			out[i].Start, out[i].End = enc.Offsets[i][0], enc.Offsets[i][1]
		}
	}
	return out, nil
}
