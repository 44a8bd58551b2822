package turn

import "strings"

// terminators end a speakable sentence fragment. Includes the CJK full-width
// forms so mixed-language replies still flush at natural boundaries.
var terminators = map[rune]struct{}{
	'.': {}, '!': {}, '?': {}, ';': {},
	'。': {}, '！': {}, '？': {}, '；': {},
	'\n': {},
}

// SentenceBuffer accumulates streamed tokens and cuts them into sentence
// fragments for low-latency synthesis. A terminator flushes immediately even
// when the next token would continue the phrase.
type SentenceBuffer struct {
	buf strings.Builder
}

// Write appends delta and returns the fragments completed by it, in order.
func (b *SentenceBuffer) Write(delta string) []string {
	var out []string
	for _, r := range delta {
		b.buf.WriteRune(r)
		if _, ok := terminators[r]; ok {
			if f := b.take(); f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

// Flush returns the trailing unterminated fragment, if any.
func (b *SentenceBuffer) Flush() string {
	return b.take()
}

// take drains the buffer into one padded fragment. Fragments are trimmed and
// suffixed with a single space so their concatenation reads as the full
// assistant turn.
func (b *SentenceBuffer) take() string {
	s := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	if s == "" {
		return ""
	}
	return s + " "
}
