package utils

import "strings"

var stopwords = map[string]struct{}{
	"what": {}, "which": {}, "when": {}, "where": {}, "does": {}, "about": {}, "with": {},
	"from": {}, "that": {}, "this": {}, "there": {}, "their": {}, "have": {}, "will": {},
	"would": {}, "should": {}, "could": {}, "into": {}, "they": {}, "them": {}, "were": {},
	"been": {}, "being": {}, "also": {}, "than": {}, "then": {}, "your": {}, "please": {},
	"tell": {}, "explain": {}, "gani": {}, "nini": {}, "kuhusu": {}, "hii": {}, "hiyo": {},
}

// Keywords returns the distinct content words of input in order of first
// appearance. Words shorter than four letters and stopwords are dropped.
func Keywords(input string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range strings.Fields(NormalizeText(input)) {
		if len([]rune(w)) < 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
