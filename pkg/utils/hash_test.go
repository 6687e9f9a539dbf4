package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "finance bill housing levy", NormalizeText("  Finance Bill:   HOUSING levy?! "))
	assert.Equal(t, "", NormalizeText("?!"))
}

func TestSignatureSeparatesParts(t *testing.T) {
	assert.NotEqual(t, Signature("ab", "c"), Signature("a", "bc"))
	assert.Equal(t, Signature("q", "5"), Signature("q", "5"))
	assert.Len(t, HashString("x"), 64)
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"finance", "bill", "housing", "levy"},
		Keywords("What does the Finance Bill say about the housing levy? Housing!"))
	assert.Empty(t, Keywords("what is it?"))
}
