package tokenizer

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhitespace_Count(t *testing.T) {
	tok := Whitespace{}
	assert.Equal(t, 0, tok.Count(""))
	assert.Equal(t, 0, tok.Count("   \n\t"))
	assert.Equal(t, 4, tok.Count(" robots  move\nin space "))
}

func TestWhitespace_Split(t *testing.T) {
	tok := Whitespace{}

	pieces := tok.Split("a b c d e", 2)
	assert.Equal(t, []string{"a b", "c d", "e"}, pieces)

	assert.Equal(t, []string{"a b"}, tok.Split("a b", 5))
}

func TestNew(t *testing.T) {
	tok, err := New(KindWhitespace, "")
	require.NoError(t, err)
	assert.Equal(t, "whitespace", tok.Name())

	_, err = New("sentencepiece", "")
	assert.Error(t, err)
}

func TestTiktoken_CountAndSplit(t *testing.T) {
	if testing.Short() {
		t.Skip("tiktoken loads its encoding over the network")
	}
	tok, err := NewTiktoken("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	text := strings.Repeat("Forward kinematics maps joint angles to poses. ", 40)
	n := tok.Count(text)
	assert.Greater(t, n, 100)

	pieces := tok.Split(text, 50)
	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.LessOrEqual(t, tok.Count(p), 50)
	}
	assert.Equal(t, text, strings.Join(pieces, ""))
	assert.Equal(t, "tiktoken:cl100k_base", tok.Name())
}

func TestTiktoken_SplitKeepsRunesWhole(t *testing.T) {
	if testing.Short() {
		t.Skip("tiktoken loads its encoding over the network")
	}
	tok, err := NewTiktoken("")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}

	text := "q" + strings.Repeat("🤖ɮ", 401)
	require.Greater(t, tok.Count(text), 512)

	pieces := tok.Split(text, 512)
	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.True(t, utf8.ValidString(p), "piece %d is not valid UTF-8", i)
		assert.NotEmpty(t, p)
	}
	assert.Equal(t, text, strings.Join(pieces, ""))
}
