// Package interpret turns a patient's free-form reply into a questionnaire
// answer token.
//
// Simple replies (digits, the words zero to ten, "skip", "end") are handled by
// fixed rules. Anything else is handed to an optional Classifier, typically a
// language model, whose output is accepted only if it is itself one of those
// canonical tokens.
package interpret

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// Kind is the category of an interpreted reply.
type Kind int

const (
	Unrecognized Kind = iota
	Number
	Skip
	End
)

func (k Kind) String() string {
	switch k {
	case Number:
		return "number"
	case Skip:
		return "skip"
	case End:
		return "end"
	default:
		return "unrecognized"
	}
}

// Token is an interpreted reply. Value is meaningful only for Number.
type Token struct {
	Kind  Kind
	Value int
}

func (t Token) String() string {
	if t.Kind == Number {
		return strconv.Itoa(t.Value)
	}
	return t.Kind.String()
}

// Canonical classifier outputs besides the integers.
const (
	WordSkip = "skip"
	WordEnd  = "end"
	WordNone = "none"
)

// MaxClassifiedValue bounds the integers a Classifier may return.
const MaxClassifiedValue = 10

var spelledNumbers = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// Classifier maps free text that the fixed rules could not read to exactly
// one of "0".."10", "skip", "end" or "none".
type Classifier interface {
	ClassifyAnswer(ctx context.Context, text string) (string, error)
}

// Interpreter interprets replies. The zero value applies the fixed rules only.
type Interpreter struct {
	classifier Classifier
}

// New creates an Interpreter. classifier may be nil.
func New(classifier Classifier) *Interpreter {
	return &Interpreter{classifier: classifier}
}

// Interpret normalizes raw and returns its token. Classifier failures are
// logged and reported as Unrecognized so the caller can ask again.
func (in *Interpreter) Interpret(ctx context.Context, raw string) Token {
	text := normalize(raw)
	if tok, ok := ApplyRules(text); ok {
		return tok
	}
	if text == "" || in == nil || in.classifier == nil {
		return Token{Kind: Unrecognized}
	}

	out, err := in.classifier.ClassifyAnswer(ctx, text)
	if err != nil {
		slog.Warn("Interpreter.Interpret: classifier failed", "error", err)
		return Token{Kind: Unrecognized}
	}
	tok := parseClassified(out)
	slog.Debug("Interpreter.Interpret: classifier result", "output", out, "token", tok.String())
	return tok
}

// ApplyRules interprets already-normalized text with the fixed rules. ok is
// false when no rule applies.
func ApplyRules(text string) (tok Token, ok bool) {
	switch text {
	case WordEnd:
		return Token{Kind: End}, true
	case WordSkip:
		return Token{Kind: Skip}, true
	}
	if isDigits(text) {
		n, err := strconv.Atoi(text)
		if err != nil {
			// all digits but out of range for int
			return Token{Kind: Unrecognized}, true
		}
		return Token{Kind: Number, Value: n}, true
	}
	if n, found := spelledNumbers[text]; found {
		return Token{Kind: Number, Value: n}, true
	}
	return Token{}, false
}

func parseClassified(out string) Token {
	s := normalize(out)
	switch s {
	case WordSkip:
		return Token{Kind: Skip}
	case WordEnd:
		return Token{Kind: End}
	case WordNone:
		return Token{Kind: Unrecognized}
	}
	if !isDigits(s) {
		return Token{Kind: Unrecognized}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > MaxClassifiedValue {
		return Token{Kind: Unrecognized}
	}
	return Token{Kind: Number, Value: n}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
