// Package inputs builds the prompt files the k6 scripts replay.
package inputs

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/FairForge/inferbench/internal/logging"
)

const (
	ConstantTokensFile = "inputs_constant_tokens.json"
	VariableTokensFile = "inputs_variable_tokens.json"

	// MaxSamples caps the number of prompts per file.
	MaxSamples = 5000
	// SampledDocuments is how many conversations the variable file draws.
	SampledDocuments = 200
)

// Turn is one message of a ShareGPT conversation.
type Turn struct {
	From  string `json:"from"`
	Value string `json:"value"`
}

// Document is one ShareGPT conversation.
type Document struct {
	ID            string `json:"id,omitempty"`
	Conversations []Turn `json:"conversations"`
}

// Message is one prompt as the k6 scripts read it.
type Message struct {
	Message   string `json:"message"`
	NumTokens int    `json:"num_tokens"`
}

// LoadConversations decodes a ShareGPT dataset.
func LoadConversations(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("inputs: open %s: %w", path, err)
	}
	defer f.Close()

	var docs []Document
	if err := json.NewDecoder(f).Decode(&docs); err != nil {
		return nil, fmt.Errorf("inputs: decode %s: %w", path, err)
	}
	return docs, nil
}

// ConstantTokens emits every human turn of at least n tokens truncated to
// exactly n tokens. It stops after the document that reaches MaxSamples.
func ConstantTokens(docs []Document, tok Tokenizer, n int) ([]Message, error) {
	out := make([]Message, 0)
	for _, doc := range docs {
		for _, turn := range doc.Conversations {
			if turn.From != "human" {
				continue
			}
			tokens, err := tok.Encode(turn.Value)
			if err != nil {
				return nil, err
			}
			if len(tokens) < n {
				continue
			}
			out = append(out, Message{
				Message:   turn.Value[:spanEnd(turn.Value, tokens[:n])],
				NumTokens: n,
			})
		}
		if len(out) >= MaxSamples {
			break
		}
	}
	return out, nil
}

// spanEnd is the end of the text covered by tokens. Special tokens carry
// empty spans and are ignored.
func spanEnd(text string, tokens []Token) int {
	end := 0
	for _, t := range tokens {
		end = max(end, t.End)
	}
	return min(end, len(text))
}

// VariableTokens samples up to SampledDocuments distinct documents and
// emits their human turns untruncated.
func VariableTokens(docs []Document, tok Tokenizer, rng *rand.Rand) ([]Message, error) {
	picks := rng.Perm(len(docs))
	if len(picks) > SampledDocuments {
		picks = picks[:SampledDocuments]
	}

	out := make([]Message, 0)
	for _, i := range picks {
		for _, turn := range docs[i].Conversations {
			if turn.From != "human" {
				continue
			}
			tokens, err := tok.Encode(turn.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{Message: turn.Value, NumTokens: len(tokens)})
		}
		if len(out) >= MaxSamples {
			break
		}
	}
	return out, nil
}

// Preparer writes both prompt files into Dir unless they already exist.
type Preparer struct {
	Tokenizer         Tokenizer
	ConversationsFile string
	InputNumTokens    int
	Dir               string
	Rand              *rand.Rand
	Logger            *zap.Logger
}

// Prepare creates the missing prompt files. The dataset is only read when
// at least one file is missing.
func (p *Preparer) Prepare() error {
	logger := logging.OrNop(p.Logger).Named("inputs")
	constPath := filepath.Join(p.Dir, ConstantTokensFile)
	varPath := filepath.Join(p.Dir, VariableTokensFile)

	needConst, err := missing(constPath)
	if err != nil {
		return err
	}
	needVar, err := missing(varPath)
	if err != nil {
		return err
	}
	if !needConst && !needVar {
		return nil
	}
	if p.Tokenizer == nil {
		return errors.New("inputs: no tokenizer configured")
	}

	docs, err := LoadConversations(p.ConversationsFile)
	if err != nil {
		return err
	}

	if needConst {
		logger.Info("preparing constant token inputs", zap.Int("tokens", p.InputNumTokens))
		msgs, err := ConstantTokens(docs, p.Tokenizer, p.InputNumTokens)
		if err != nil {
			return err
		}
		if err := writeJSON(constPath, msgs); err != nil {
			return err
		}
	}

	if needVar {
		logger.Info("sampling conversations", zap.String("file", p.ConversationsFile))
		rng := p.Rand
		if rng == nil {
			rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
		msgs, err := VariableTokens(docs, p.Tokenizer, rng)
		if err != nil {
			return err
		}
		if err := writeJSON(varPath, msgs); err != nil {
			return err
		}
	}
	return nil
}

func missing(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	return false, fmt.Errorf("inputs: stat %s: %w", path, err)
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("inputs: mkdir: %w", err)
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("inputs: encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("inputs: write %s: %w", path, err)
	}
	return nil
}
