package simplestream

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// MaxContentKeyLength caps derived content keys, in runes.
const MaxContentKeyLength = 64

// releaseTokens are release tags stripped from titles before keying.
var releaseTokens = []string{
	`1080p`, `720p`, `480p`, `2160p`, `4k`,
	`bluray`, `blu[\-\s]?ray`, `hdrip`, `webrip`, `web[\-\s]?dl`,
	`x264`, `x265`, `hevc`, `10bit`,
	`uncut`, `esubs?`, `e\-?sub`,
	`dual[\-\s]?audio`, `dubbed`, `hindi`, `english`, `malayalam`,
	`tamil`, `telugu`, `kannada`, `hdtv`, `rip`,
	`amzn`, `ddp5\.1`, `aac5\.1`,
}

var (
	releaseTokenRe = regexp.MustCompile(`\b(` + strings.Join(releaseTokens, "|") + `)\b`)
	bracketedRe    = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\{[^}]*\}`)
	yearRe         = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	extensionRe    = regexp.MustCompile(`\.[a-z0-9]{2,4}$`)
	nonAlnumRe     = regexp.MustCompile(`[^a-z0-9]+`)
)

// DeriveContentKey returns the normalized title used to deduplicate thumbnail
// work. The file name is used when it yields a key, the caption otherwise.
// An empty result means no key could be derived.
func DeriveContentKey(fileName, caption string) string {
	if key := contentKey(fileName, true); key != "" {
		return key
	}
	return contentKey(caption, false)
}

func contentKey(s string, isFileName bool) string {
	s = foldASCII(s)
	if isFileName {
		s = extensionRe.ReplaceAllString(s, "")
	}
	s = strings.ReplaceAll(s, "_", " ")
	s = bracketedRe.ReplaceAllString(s, " ")

	// Keep the title before the release year, unless the title is the year.
	if loc := yearRe.FindStringIndex(s); loc != nil {
		if before := strings.TrimSpace(nonAlnumRe.ReplaceAllString(s[:loc[0]], " ")); before != "" {
			s = s[:loc[0]]
		}
	}

	s = releaseTokenRe.ReplaceAllString(s, " ")
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")
	return truncateWords(s, MaxContentKeyLength)
}

// foldASCII applies NFKD, lower-cases and drops whatever is left outside ASCII,
// so styled unicode letters collapse onto their plain forms.
func foldASCII(s string) string {
	s = norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r > unicode.MaxASCII:
			if unicode.IsSpace(r) {
				b.WriteByte(' ')
			}
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func truncateWords(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := string(runes[:max])
	if runes[max] != ' ' {
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
	}
	return strings.TrimSpace(cut)
}

// QualityToken maps a resolution token to its rank.
type QualityToken struct {
	Token string
	Rank  int
}

// QualityVocabulary scores titles by the resolution tokens they mention.
type QualityVocabulary struct {
	tokens   []QualityToken
	patterns []*regexp.Regexp
}

// DefaultQualityVocabulary returns 480p:1, 720p:2, 1080p:3, 2160p:4, 4k:4.
func DefaultQualityVocabulary() *QualityVocabulary {
	v, _ := NewQualityVocabulary([]QualityToken{
		{Token: "480p", Rank: 1},
		{Token: "720p", Rank: 2},
		{Token: "1080p", Rank: 3},
		{Token: "2160p", Rank: 4},
		{Token: "4k", Rank: 4},
	})
	return v
}

// NewQualityVocabulary compiles tokens. Matching is case-insensitive and needs
// a word boundary only before the token, so "480px264" still ranks as 480p.
// The same rule ranks "4kids" as 4k.
func NewQualityVocabulary(tokens []QualityToken) (*QualityVocabulary, error) {
	v := &QualityVocabulary{}
	for _, t := range tokens {
		token := strings.ToLower(strings.TrimSpace(t.Token))
		if token == "" {
			return nil, fmt.Errorf("empty quality token")
		}
		v.tokens = append(v.tokens, QualityToken{Token: token, Rank: t.Rank})
		v.patterns = append(v.patterns, regexp.MustCompile(`\b`+regexp.QuoteMeta(token)))
	}
	return v, nil
}

// ParseQualityVocabulary parses "token:rank" pairs separated by commas, for
// example "480p:1,720p:2,1080p:3".
func ParseQualityVocabulary(s string) (*QualityVocabulary, error) {
	var tokens []QualityToken
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		token, rank, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("quality token %q: missing rank", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(rank))
		if err != nil {
			return nil, fmt.Errorf("quality token %q: %w", part, err)
		}
		tokens = append(tokens, QualityToken{Token: token, Rank: n})
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("quality vocabulary is empty")
	}
	return NewQualityVocabulary(tokens)
}

// Tokens returns the vocabulary ordered by descending rank.
func (v *QualityVocabulary) Tokens() []QualityToken {
	out := append([]QualityToken(nil), v.tokens...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank > out[j].Rank })
	return out
}

// Rank returns the highest rank of any token found in texts, or 0.
func (v *QualityVocabulary) Rank(texts ...string) int {
	best := 0
	for _, text := range texts {
		text = strings.ToLower(text)
		for i, re := range v.patterns {
			if v.tokens[i].Rank > best && re.MatchString(text) {
				best = v.tokens[i].Rank
			}
		}
	}
	return best
}
