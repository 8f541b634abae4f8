package trigger

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// irregular 常见不规则词形
var irregular = map[string]string{
	"sent":     "send",
	"sending":  "send",
	"docs":     "doc",
	"proven":   "prove",
	"dealt":    "deal",
	"provided": "provide",
	"attached": "attach",
}

// foldText 去除重音并统一为小写，"Dócument" 与 "document" 视为相同
func foldText(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	return strings.ToLower(folded)
}

// tokenize 按非字母数字字符切分
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// lemmaCandidates 返回单词可能的原形，包括单词本身
func lemmaCandidates(word string) []string {
	candidates := []string{word}
	if base, ok := irregular[word]; ok {
		candidates = append(candidates, base)
	}

	add := func(stem string) {
		if len(stem) >= 2 {
			candidates = append(candidates, stem)
		}
	}

	switch {
	case strings.HasSuffix(word, "ies"):
		add(strings.TrimSuffix(word, "ies") + "y")
	case strings.HasSuffix(word, "es"):
		add(strings.TrimSuffix(word, "es"))
		add(strings.TrimSuffix(word, "s"))
	case strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss"):
		add(strings.TrimSuffix(word, "s"))
	}

	for _, suffix := range []string{"ing", "ed"} {
		if !strings.HasSuffix(word, suffix) {
			continue
		}
		stem := strings.TrimSuffix(word, suffix)
		add(stem)
		add(stem + "e")
		if n := len(stem); n >= 2 && stem[n-1] == stem[n-2] {
			add(stem[:n-1])
		}
	}

	return candidates
}
