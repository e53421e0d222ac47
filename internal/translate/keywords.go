package translate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type keywordEntry struct {
	From string
	To   string
}

// KeywordTable is the last-resort substitution dictionary, keyed by
// language pair. Entry order matters: substring matching takes the first hit,
// so longer phrases are listed before their prefixes.
type KeywordTable struct {
	pairs map[string][]keywordEntry
}

func pairKey(source, target string) string {
	return source + ":" + target
}

// DefaultKeywords returns the built-in Korean to English table.
func DefaultKeywords() *KeywordTable {
	t := &KeywordTable{pairs: make(map[string][]keywordEntry)}
	t.pairs[pairKey("ko", "en")] = []keywordEntry{
		{"안녕하세요", "Hello"},
		{"안녕히 가세요", "Goodbye"},
		{"안녕", "Hi"},
		{"감사합니다", "Thank you"},
		{"고맙습니다", "Thank you"},
		{"죄송합니다", "Sorry"},
		{"미안합니다", "Sorry"},
		{"실례합니다", "Excuse me"},
		{"잘가요", "Bye"},
		{"아니요", "No"},
		{"아니에요", "No"},
		{"맞아요", "That's right"},
		{"틀려요", "That's wrong"},
		{"모르겠어요", "I don't know"},
		{"알겠습니다", "I understand"},
		{"좋아요", "Good"},
		{"좋다", "Good"},
		{"나빠요", "Bad"},
		{"나쁘다", "Bad"},
		{"괜찮아요", "It's okay"},
		{"괜찮다", "It's okay"},
		{"기뻐요", "I'm happy"},
		{"슬퍼요", "I'm sad"},
		{"화나요", "I'm angry"},
		{"놀라워요", "Amazing"},
		{"맛있어요", "Delicious"},
		{"맛있다", "Delicious"},
		{"맛없어요", "Not tasty"},
		{"뜨거워요", "It's hot"},
		{"차가워요", "It's cold"},
		{"크다", "Big"},
		{"작다", "Small"},
		{"빨라요", "Fast"},
		{"느려요", "Slow"},
		{"뭐예요", "What is it?"},
		{"어디예요", "Where is it?"},
		{"언제예요", "When is it?"},
		{"왜요", "Why?"},
		{"어떻게", "How?"},
		{"도와주세요", "Please help me"},
		{"기다려주세요", "Please wait"},
		{"학교", "school"},
		{"회사", "company"},
		{"친구", "friend"},
		{"가족", "family"},
		{"시간", "time"},
		{"네", "Yes"},
		{"예", "Yes"},
		{"물", "water"},
		{"밥", "rice/food"},
		{"집", "house"},
		{"돈", "money"},
		{"일", "work"},
	}
	return t
}

type keywordFile struct {
	Pairs []struct {
		Source  string `yaml:"source"`
		Target  string `yaml:"target"`
		Entries []struct {
			From string `yaml:"from"`
			To   string `yaml:"to"`
		} `yaml:"entries"`
	} `yaml:"pairs"`
}

// LoadKeywordFile adds entries from a YAML file. File entries take precedence
// over built-in ones for the same pair.
func (t *KeywordTable) LoadKeywordFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read keyword file: %w", err)
	}
	var file keywordFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse keyword file: %w", err)
	}
	for _, p := range file.Pairs {
		if p.Source == "" || p.Target == "" {
			return fmt.Errorf("keyword pair missing source or target")
		}
		key := pairKey(p.Source, p.Target)
		var added []keywordEntry
		for _, e := range p.Entries {
			if strings.TrimSpace(e.From) == "" {
				continue
			}
			added = append(added, keywordEntry{From: e.From, To: e.To})
		}
		t.pairs[key] = append(added, t.pairs[key]...)
	}
	return nil
}

// Lookup returns the exact-match translation, or the text with the first
// matching keyword substituted once.
func (t *KeywordTable) Lookup(text, source, target string) (string, bool) {
	if t == nil {
		return "", false
	}
	entries := t.pairs[pairKey(source, target)]
	if len(entries) == 0 {
		return "", false
	}
	clean := strings.TrimSpace(text)
	for _, e := range entries {
		if e.From == clean {
			return e.To, true
		}
	}
	for _, e := range entries {
		if strings.Contains(clean, e.From) {
			return strings.Replace(clean, e.From, e.To, 1), true
		}
	}
	return "", false
}
