// Package vocab maps between token ids and token strings of an ASR token
// list: one token per line, "<blank>" first and "<sos/eos>" last.
package vocab

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	Blank  = "<blank>"
	Unk    = "<unk>"
	SOSEOS = "<sos/eos>"

	// WordBoundary marks the start of a word in subword token lists.
	WordBoundary = "▁"
)

type Vocab struct {
	tokens   []string
	ids      map[string]int
	maxLen   int
	boundary bool
}

// Load reads a token list file. Tokens are NFC normalized; empty lines are
// skipped.
func Load(path string) (*Vocab, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var tokens []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			tokens = append(tokens, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read token list %s: %w", path, err)
	}
	return New(tokens)
}

// New builds a vocabulary from tokens in id order.
func New(tokens []string) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token list")
	}
	v := &Vocab{
		tokens: make([]string, len(tokens)),
		ids:    make(map[string]int, len(tokens)),
	}
	for i, tok := range tokens {
		tok = normalize(tok)
		if prev, ok := v.ids[tok]; ok {
			return nil, fmt.Errorf("duplicate token %q at %d and %d", tok, prev, i)
		}
		v.tokens[i] = tok
		v.ids[tok] = i
		v.maxLen = max(v.maxLen, utf8.RuneCountInString(tok))
		v.boundary = v.boundary || strings.HasPrefix(tok, WordBoundary)
	}
	return v, nil
}

func normalize(s string) string {
	out, _, err := transform.String(norm.NFC, s)
	if err != nil {
		return s
	}
	return out
}

func (v *Vocab) Size() int { return len(v.tokens) }

// SOS and EOS share the last id.
func (v *Vocab) SOS() int { return len(v.tokens) - 1 }
func (v *Vocab) EOS() int { return len(v.tokens) - 1 }

func (v *Vocab) ID(token string) (int, bool) {
	id, ok := v.ids[normalize(token)]
	return id, ok
}

// Token returns the token for id, or Unk when id is out of range.
func (v *Vocab) Token(id int) string {
	if id < 0 || id >= len(v.tokens) {
		return Unk
	}
	return v.tokens[id]
}

// Encode splits text into tokens by greedy longest match within each
// whitespace separated word, marking word starts with WordBoundary when
// any token in the list starts with it. Unmatched characters map to Unk,
// or are dropped when the list has no Unk.
func (v *Vocab) Encode(text string) []int {
	unk, hasUnk := v.ids[Unk]

	var ids []int
	for _, word := range strings.Fields(normalize(text)) {
		runes := []rune(word)
		if v.boundary {
			runes = append([]rune(WordBoundary), runes...)
		}
		for start := 0; start < len(runes); {
			end := min(len(runes), start+v.maxLen)
			for ; end > start; end-- {
				if id, ok := v.ids[string(runes[start:end])]; ok {
					ids = append(ids, id)
					break
				}
			}
			if end == start {
				if hasUnk {
					ids = append(ids, unk)
				}
				end = start + 1
			}
			start = end
		}
	}
	return ids
}

// Decode joins the tokens of ids, skipping special tokens and turning
// word boundaries into spaces.
func (v *Vocab) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		tok := v.Token(id)
		switch tok {
		case Blank, SOSEOS:
			continue
		}
		b.WriteString(tok)
	}
	return strings.TrimSpace(strings.ReplaceAll(b.String(), WordBoundary, " "))
}
