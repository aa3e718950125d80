package service

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

var roberta = []string{"<s>", "</s>", "<pad>", "<unk>", "<mask>"}

// cleanups undo the spacing that byte level BPE leaves before punctuation
// and English contractions.
var cleanups = strings.NewReplacer(
	" .", ".",
	" ?", "?",
	" !", "!",
	" ,", ",",
	" ' ", "'",
	" n't", "n't",
	" 'm", "'m",
	" 's", "'s",
	" 've", "'ve",
	" 're", "'re",
)

// Vocab decodes byte level BPE token ids back to text.
type Vocab struct {
	tokens  map[int64]string
	special map[int64]bool
	bytes   map[rune]byte
}

// LoadVocab reads vocab.json. specialIDs are skipped on decode in addition
// to the RoBERTa control tokens found in the vocabulary.
func LoadVocab(path string, specialIDs ...int64) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s is not valid json", path)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%s must be a token to id object", path)
	}

	v := &Vocab{
		tokens:  make(map[int64]string),
		special: make(map[int64]bool),
		bytes:   unicodeToBytes(),
	}
	root.ForEach(func(key, value gjson.Result) bool {
		v.tokens[value.Int()] = key.String()
		return true
	})
	if len(v.tokens) == 0 {
		return nil, fmt.Errorf("%s has no tokens", path)
	}
	for _, tok := range roberta {
		if id := root.Get(tok); id.Exists() {
			v.special[id.Int()] = true
		}
	}
	for _, id := range specialIDs {
		v.special[id] = true
	}
	return v, nil
}

func (v *Vocab) Len() int { return len(v.tokens) }

// Decode joins the tokens for ids, skipping special and unknown ids.
func (v *Vocab) Decode(ids []int64) string {
	var sb strings.Builder
	for _, id := range ids {
		if v.special[id] {
			continue
		}
		tok, ok := v.tokens[id]
		if !ok {
			continue
		}
		sb.WriteString(tok)
	}

	raw := make([]byte, 0, sb.Len())
	for _, r := range sb.String() {
		if b, ok := v.bytes[r]; ok {
			raw = append(raw, b)
		} else {
			raw = utf8.AppendRune(raw, r)
		}
	}
	return cleanups.Replace(strings.ToValidUTF8(string(raw), "�"))
}

// unicodeToBytes inverts the GPT-2 byte to printable rune table.
func unicodeToBytes() map[rune]byte {
	m := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			m[rune(b)] = byte(b)
			continue
		}
		m[rune(256+n)] = byte(b)
		n++
	}
	return m
}
