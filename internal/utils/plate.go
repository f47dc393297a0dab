package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// NormalizePlate uppercases a raw plate string and strips everything that is
// not a letter or digit, so "GR-1234-21", "gr 1234 21" and "GR123421" all
// collapse to the same key.
func NormalizePlate(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ocrFold maps each commonly confused character pair onto a single
// representative, so a read that swapped one for the other still compares
// equal after folding.
var ocrFold = map[rune]rune{
	'O': '0', '0': '0',
	'I': '1', '1': '1',
	'S': '5', '5': '5',
	'G': '6', '6': '6',
	'B': '8', '8': '8',
	'Z': '2', '2': '2',
}

// FoldOCRConfusions rewrites a normalized plate through the OCR confusion
// table. Input is expected to already be normalized.
func FoldOCRConfusions(normalized string) string {
	return strings.Map(func(r rune) rune {
		if folded, ok := ocrFold[r]; ok {
			return folded
		}
		return r
	}, normalized)
}

// Fingerprint derives a stable dedup key from a camera id and a
// discriminator (image reference before recognition, normalized plate after).
func Fingerprint(cameraID, key string) string {
	sum := sha256.Sum256([]byte(cameraID + "\n" + key))
	return hex.EncodeToString(sum[:16])
}

var platePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z]{2}-\d{4}-\d{2}$`),                 // GR-1234-21
	regexp.MustCompile(`^[A-Z]{3}-\d{3,4}-[A-Z]{1,2}$`),          // ABC-123-A
	regexp.MustCompile(`^[A-Z]{1,3}[-\s]?\d{3,4}[-\s]?[A-Z\d]{1,3}$`),
}

// ValidPlateFormat reports whether a raw plate string looks like a plausible
// registration number after whitespace cleanup.
func ValidPlateFormat(raw string) bool {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = regexp.MustCompile(`[-\s]+`).ReplaceAllString(cleaned, "-")
	if len(cleaned) < 3 || len(cleaned) > 15 {
		return false
	}
	for _, p := range platePatterns {
		if p.MatchString(cleaned) {
			return true
		}
	}
	return false
}

var phonePattern = regexp.MustCompile(`^\+?\d{9,15}$`)

// ValidPhone checks an owner phone number for E.164-style shape. Full
// carrier validation is the gateway's problem.
func ValidPhone(raw string) bool {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	return phonePattern.MatchString(cleaned)
}
