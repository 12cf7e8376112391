package core

import (
	"math/rand/v2"
	"strings"

	"github.com/gosimple/slug"
	"github.com/iancoleman/strcase"
)

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SuffixGenerator returns the random part appended to every stored filename.
type SuffixGenerator func() string

// RandomSuffix returns 5 random characters out of [a-z0-9].
func RandomSuffix() string {
	b := make([]byte, 5)
	for i := range b {
		b[i] = suffixAlphabet[rand.IntN(len(suffixAlphabet))]
	}
	return string(b)
}

// UniqueFilename turns a client filename into {kebab-stem}_{suffix}{.ext}.
// The extension is the text after the last dot, lowercased and reduced to
// [a-z0-9]. A name without a dot keeps no extension.
func UniqueFilename(name string, suffix string) string {
	stem, ext := name, ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		stem, ext = name[:i], cleanExtension(name[i+1:])
	}
	if ext != "" {
		ext = "." + ext
	}
	return KebabCase(stem) + "_" + suffix + ext
}

func cleanExtension(ext string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, strings.ToLower(ext))
}

// KebabCase splits s into words at separators, case changes and
// letter/digit boundaries and joins them lowercased with hyphens, so
// "My Holiday.Photo2" becomes "my-holiday-photo-2". Anything outside
// [a-z0-9-] is transliterated or dropped.
func KebabCase(s string) string {
	return slug.Make(strcase.ToKebab(s))
}
