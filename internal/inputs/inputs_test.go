package inputs

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer treats every whitespace separated word as one token.
type wordTokenizer struct{}

func (wordTokenizer) Encode(text string) ([]Token, error) {
	var out []Token
	start := -1
	for i, r := range text {
		switch {
		case unicode.IsSpace(r) && start >= 0:
			out = append(out, Token{ID: len(out), Start: start, End: i})
			start = -1
		case !unicode.IsSpace(r) && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, Token{ID: len(out), Start: start, End: len(text)})
	}
	return out, nil
}

func conversation(turns ...string) Document {
	doc := Document{}
	for i, v := range turns {
		from := "human"
		if i%2 == 1 {
			from = "gpt"
		}
		doc.Conversations = append(doc.Conversations, Turn{From: from, Value: v})
	}
	return doc
}

func TestConstantTokens(t *testing.T) {
	docs := []Document{
		conversation("one two three four five", "a long answer that is ignored entirely"),
		conversation("too short"),
		conversation("alpha  beta gamma delta"),
	}

	msgs, err := ConstantTokens(docs, wordTokenizer{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []Message{
		{Message: "one two three", NumTokens: 3},
		{Message: "alpha  beta gamma", NumTokens: 3},
	}, msgs)
}

func TestConstantTokens_Cap(t *testing.T) {
	turns := make([]string, 0, 2*(MaxSamples/2))
	for i := 0; i < MaxSamples/2; i++ {
		turns = append(turns, "a b c", "reply")
	}
	big := conversation(turns...)
	docs := []Document{big, big, big}

	msgs, err := ConstantTokens(docs, wordTokenizer{}, 2)
	require.NoError(t, err)
	// the cap is checked per document, so the second one is kept whole
	assert.Len(t, msgs, MaxSamples)
}

func TestVariableTokens(t *testing.T) {
	docs := make([]Document, 0, 300)
	for i := 0; i < 300; i++ {
		docs = append(docs, conversation(fmt.Sprintf("doc %d says hello", i), "reply"))
	}

	msgs, err := VariableTokens(docs, wordTokenizer{}, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.Len(t, msgs, SampledDocuments)

	seen := map[string]bool{}
	for _, m := range msgs {
		assert.False(t, seen[m.Message], "documents are drawn without replacement")
		seen[m.Message] = true
		assert.Equal(t, 4, m.NumTokens)
	}

	t.Run("small dataset", func(t *testing.T) {
		msgs, err := VariableTokens(docs[:5], wordTokenizer{}, rand.New(rand.NewPCG(1, 2)))
		require.NoError(t, err)
		assert.Len(t, msgs, 5)
	})
}

func TestPreparer(t *testing.T) {
	dir := t.TempDir()
	dataset := filepath.Join(dir, "sharegpt.json")
	docs := []Document{
		conversation(strings.Repeat("word ", 10), "answer"),
		conversation("short prompt", "answer"),
	}
	raw, err := json.Marshal(docs)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dataset, raw, 0o644))

	p := &Preparer{
		Tokenizer:         wordTokenizer{},
		ConversationsFile: dataset,
		InputNumTokens:    5,
		Dir:               dir,
		Rand:              rand.New(rand.NewPCG(3, 4)),
	}
	require.NoError(t, p.Prepare())

	var constant []Message
	raw, err = os.ReadFile(filepath.Join(dir, ConstantTokensFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &constant))
	assert.Equal(t, []Message{{Message: "word word word word word", NumTokens: 5}}, constant)

	var variable []Message
	raw, err = os.ReadFile(filepath.Join(dir, VariableTokensFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &variable))
	assert.Len(t, variable, 2)

	t.Run("existing files are kept", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ConstantTokensFile), []byte("[]"), 0o644))
		p.ConversationsFile = filepath.Join(dir, "missing.json")
		require.NoError(t, p.Prepare())

		raw, err := os.ReadFile(filepath.Join(dir, ConstantTokensFile))
		require.NoError(t, err)
		assert.Equal(t, "[]", string(raw))
	})

	t.Run("missing dataset", func(t *testing.T) {
		empty := &Preparer{Tokenizer: wordTokenizer{}, ConversationsFile: filepath.Join(dir, "nope.json"), Dir: t.TempDir()}
		assert.Error(t, empty.Prepare())
	})
}
