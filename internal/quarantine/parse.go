package quarantine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DoneToken is what the asking model replies when it has enough information.
const DoneToken = "DONE"

var (
	// ErrMalformedQuestion is returned when the asking model's reply does not
	// follow the question grammar.
	ErrMalformedQuestion = errors.New("malformed question")
	// ErrInvalidAnswer is returned when the quarantined model's reply is not
	// a valid option index.
	ErrInvalidAnswer = errors.New("invalid answer")
)

// Question is one multiple-choice question from the asking model.
type Question struct {
	Text    string
	Options []string
}

// ParseQuestion parses the asking model's reply. The accepted grammar is
//
//	reply    = "DONE" | question
//	question = "QUESTION:" text NL "OPTIONS:" NL option option { option }
//	option   = index ":" text NL
//
// where indexes count up from 0 without gaps. Leading and trailing whitespace
// around the reply and around each line is ignored; blank lines are not.
func ParseQuestion(reply string) (q Question, done bool, err error) {
	reply = strings.TrimSpace(strings.ReplaceAll(reply, "\r\n", "\n"))
	if reply == DoneToken {
		return Question{}, true, nil
	}
	lines := strings.Split(reply, "\n")
	if len(lines) < 4 {
		return Question{}, false, fmt.Errorf("%w: expected a question and at least two options", ErrMalformedQuestion)
	}

	first := strings.TrimSpace(lines[0])
	text, ok := strings.CutPrefix(first, "QUESTION:")
	text = strings.TrimSpace(text)
	if !ok || text == "" {
		return Question{}, false, fmt.Errorf("%w: first line must be QUESTION: <text>", ErrMalformedQuestion)
	}
	if strings.TrimSpace(lines[1]) != "OPTIONS:" {
		return Question{}, false, fmt.Errorf("%w: second line must be OPTIONS:", ErrMalformedQuestion)
	}

	options := make([]string, 0, len(lines)-2)
	for i, line := range lines[2:] {
		idx, opt, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || idx != strconv.Itoa(i) {
			return Question{}, false, fmt.Errorf("%w: option %d must start with %q", ErrMalformedQuestion, i, strconv.Itoa(i)+":")
		}
		opt = strings.TrimSpace(opt)
		if opt == "" {
			return Question{}, false, fmt.Errorf("%w: option %d is empty", ErrMalformedQuestion, i)
		}
		options = append(options, opt)
	}
	return Question{Text: text, Options: options}, false, nil
}

// ParseAnswer parses the quarantined model's reply: a base-10 integer in
// [0, numOptions-1] and nothing else apart from surrounding whitespace.
func ParseAnswer(reply string, numOptions int) (int, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return 0, fmt.Errorf("%w: empty reply", ErrInvalidAnswer)
	}
	for _, r := range reply {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q is not an option number", ErrInvalidAnswer, truncate(reply, 32))
		}
	}
	n, err := strconv.Atoi(reply)
	if err != nil || n >= numOptions {
		return 0, fmt.Errorf("%w: %q is out of range [0,%d]", ErrInvalidAnswer, truncate(reply, 32), numOptions-1)
	}
	return n, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
