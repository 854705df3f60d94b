package indexer

import "github.com/nicosuave/memex/pkg/utils"

// Preprocess normalizes document text before it is embedded: whitespace runs
// collapse to one space and the result is cut to maxRunes (0 keeps everything).
func Preprocess(text string, maxRunes int) string {
	text = utils.CollapseSpace(text)
	if maxRunes <= 0 {
		return text
	}
	n := 0
	for i := range text {
		if n == maxRunes {
			return text[:i]
		}
		n++
	}
	return text
}
