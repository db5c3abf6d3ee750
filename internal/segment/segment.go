package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// maxSentenceLen is the trimmed length above which a sentence is cut at
	// commas and semicolons.
	maxSentenceLen = 60
	// minChunkLen is the trimmed length a sub-split chunk must reach before
	// it is flushed.
	minChunkLen = 35
)

// Phrase is one contiguous piece of the original text.
type Phrase struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// Sequence is the ordered phrase list for one prompt.
type Sequence []Phrase

// Texts returns the phrase texts in order.
func (s Sequence) Texts() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.Text
	}
	return out
}

// Join reassembles the original text.
func (s Sequence) Join() string {
	var sb strings.Builder
	for _, p := range s {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Split breaks text into phrases at sentence terminators, sub-splitting long
// sentences at commas and semicolons. Joining the result always reproduces
// text exactly. When nothing with content is found the whole text is
// returned as a single phrase.
func Split(text string) Sequence {
	var pieces []string
	for _, sentence := range sentences(text) {
		if utf8.RuneCountInString(strings.TrimSpace(sentence)) > maxSentenceLen {
			pieces = append(pieces, subSplit(sentence)...)
			continue
		}
		pieces = append(pieces, sentence)
	}

	if len(pieces) == 0 {
		return Sequence{{Index: 0, Text: text}}
	}

	seq := make(Sequence, len(pieces))
	for i, p := range pieces {
		seq[i] = Phrase{Index: i, Text: p}
	}
	return seq
}

// sentences scans text into candidate sentences. Content-free candidates
// (whitespace or bare terminators) are folded into a neighbour instead of
// being returned on their own.
func sentences(text string) []string {
	var (
		out     []string
		pending string // content-free text waiting for the next sentence
		start   int
	)

	emit := func(candidate string) {
		if !hasContent(candidate) {
			pending += candidate
			return
		}
		out = append(out, pending+candidate)
		pending = ""
	}

	for i := 0; i < len(text); {
		if !isTerminator(text[i]) {
			i++
			continue
		}
		// A run absorbs the whole cluster of terminators that ends it.
		j := i + 1
		for j < len(text) && isTerminator(text[j]) {
			j++
		}
		emit(text[start:j])
		start = j
		i = j
	}
	if start < len(text) {
		emit(text[start:])
	}

	if pending != "" && len(out) > 0 {
		out[len(out)-1] += pending
	}
	return out
}

// subSplit cuts a long sentence after each comma or semicolon and greedily
// regroups the pieces into chunks of at least minChunkLen trimmed runes.
func subSplit(sentence string) []string {
	var cuts []string
	start := 0
	for i := 0; i < len(sentence); i++ {
		if sentence[i] == ',' || sentence[i] == ';' {
			cuts = append(cuts, sentence[start:i+1])
			start = i + 1
		}
	}
	if start < len(sentence) {
		cuts = append(cuts, sentence[start:])
	}

	var (
		chunks  []string
		current strings.Builder
	)
	for _, c := range cuts {
		current.WriteString(c)
		if utf8.RuneCountInString(strings.TrimSpace(current.String())) >= minChunkLen {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	if rest := current.String(); rest != "" {
		if strings.TrimSpace(rest) == "" && len(chunks) > 0 {
			chunks[len(chunks)-1] += rest
		} else {
			chunks = append(chunks, rest)
		}
	}
	return chunks
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?' || b == '\n'
}

func hasContent(s string) bool {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '.' || r == '!' || r == '?'
	}) != ""
}
