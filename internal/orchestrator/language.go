package orchestrator

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

const (
	LanguageEnglish = "en"
	LanguageSwahili = "sw"
	LanguageSheng   = "sheng"
)

// swahiliThreshold is the share of marker words above which a query is
// treated as Kiswahili.
const swahiliThreshold = 0.25

var swahiliMarkers = map[string]struct{}{
	"na": {}, "ya": {}, "wa": {}, "kwa": {}, "ni": {}, "je": {}, "gani": {}, "nini": {},
	"hii": {}, "hiyo": {}, "kuhusu": {}, "watu": {}, "pesa": {}, "serikali": {}, "sheria": {},
	"kodi": {}, "ushuru": {}, "bunge": {}, "mswada": {}, "nyumba": {}, "katiba": {}, "haki": {},
	"nani": {}, "lini": {}, "vipi": {}, "kwanini": {}, "mimi": {}, "sisi": {}, "wao": {},
	"ada": {}, "mshahara": {}, "wananchi": {}, "kaunti": {}, "rais": {}, "mbunge": {},
}

var shengMarkers = map[string]struct{}{
	"niaje": {}, "msee": {}, "wasee": {}, "manze": {}, "mbogi": {}, "ganji": {}, "doh": {},
	"mtaa": {}, "fiti": {}, "buda": {}, "mathe": {}, "keja": {}, "mlami": {}, "mkokoteni": {},
	"sonko": {}, "sanse": {}, "poa": {},
}

// detectLanguage classifies a query as English, Kiswahili or Sheng using a
// marker lexicon over prose tokens.
func detectLanguage(text string) string {
	words := tokenize(text)
	if len(words) == 0 {
		return LanguageEnglish
	}

	var sw, sheng int
	for _, w := range words {
		if _, ok := shengMarkers[w]; ok {
			sheng++
			continue
		}
		if _, ok := swahiliMarkers[w]; ok {
			sw++
		}
	}

	if float64(sw+sheng)/float64(len(words)) < swahiliThreshold {
		return LanguageEnglish
	}
	if sheng > 0 {
		return LanguageSheng
	}
	return LanguageSwahili
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false))
	if err != nil {
		return strings.Fields(strings.ToLower(text))
	}

	words := make([]string, 0, len(doc.Tokens()))
	for _, tok := range doc.Tokens() {
		w := strings.ToLower(tok.Text)
		if strings.IndexFunc(w, unicode.IsLetter) < 0 {
			continue
		}
		words = append(words, w)
	}
	return words
}

func translationPrompt(query string) string {
	return "Translate the following question into English. Reply with the translation only.\n\n" + query
}

const translatorSystemPrompt = "You translate Kiswahili and Sheng into plain English."
