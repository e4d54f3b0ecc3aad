package remote

import (
	"context"
	"regexp"
	"strings"

	"github.com/danshapiro/storytime/internal/engine"
)

var (
	approvePhrases = [][]string{
		{"approve"}, {"approved"}, {"looks", "good"}, {"look", "good"}, {"looks", "great"},
		{"love", "it"}, {"perfect"}, {"great"}, {"yes"}, {"yep"}, {"ok"}, {"okay"},
		{"continue"}, {"go", "ahead"}, {"next"}, {"sounds", "good"}, {"lgtm"},
	}
	rejectPhrases = [][]string{
		{"change"}, {"rewrite"}, {"redo"}, {"instead"}, {"different"}, {"make", "it"},
		{"make", "the"}, {"fix"}, {"don't", "like"}, {"do", "not", "like"},
		{"not", "quite"}, {"try", "again"}, {"but"},
	}
	// negations turn any approval phrase into something else: "not great",
	// "don't continue yet".
	negations = map[string]bool{
		"no": true, "nope": true, "nah": true, "not": true, "never": true,
		"don't": true, "dont": true, "doesn't": true, "isn't": true, "wasn't": true,
		"aren't": true, "can't": true, "cannot": true, "won't": true, "wait": true,
		"hold": true, "stop": true,
	}
	// outright refusals with nothing else to go on.
	refusals = map[string]bool{"no": true, "nope": true, "nah": true}

	wordRE = regexp.MustCompile(`[a-z0-9']+`)
)

// maxApprovalWords bounds how long a reply may be and still count as a plain
// approval. Longer replies usually carry something the classifier cannot read.
const maxApprovalWords = 8

// KeywordClassifier decides approval verdicts from whole-word phrase lists. It
// needs no model and gives the same answer for the same reply, so it suits
// offline runs and tests.
//
// Approval is the narrowest verdict: a short reply with an approval phrase,
// no negation and no question. Rejection phrases win over approval ("great,
// but make the dragon blue" carries feedback), a bare "no" is a rejection, and
// everything else is unclear so the engine asks again.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(_ context.Context, req engine.ClassifyRequest) (engine.Verdict, error) {
	reply := strings.TrimSpace(req.Reply)
	words := tokenize(reply)
	if len(words) == 0 {
		return engine.Verdict{Kind: engine.VerdictUnclear}, nil
	}
	if containsAny(words, rejectPhrases) {
		return engine.Verdict{Kind: engine.VerdictRejected, Feedback: reply}, nil
	}
	negated := false
	for _, w := range words {
		if negations[w] {
			negated = true
			break
		}
	}
	switch {
	case refusals[words[0]] && !containsAny(words, approvePhrases):
		return engine.Verdict{Kind: engine.VerdictRejected, Feedback: reply}, nil
	case negated, strings.HasSuffix(reply, "?"), len(words) > maxApprovalWords:
		return engine.Verdict{Kind: engine.VerdictUnclear}, nil
	case containsAny(words, approvePhrases):
		return engine.Verdict{Kind: engine.VerdictApproved}, nil
	default:
		return engine.Verdict{Kind: engine.VerdictUnclear}, nil
	}
}

func tokenize(s string) []string {
	s = strings.ToLower(strings.ReplaceAll(s, "’", "'"))
	return wordRE.FindAllString(s, -1)
}

// containsAny reports whether any phrase occurs in words as a run of whole
// words.
func containsAny(words []string, phrases [][]string) bool {
	for _, p := range phrases {
		for i := 0; i+len(p) <= len(words); i++ {
			match := true
			for j, w := range p {
				if words[i+j] != w {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}
