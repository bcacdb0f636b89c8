package tender

import (
	"encoding/hex"
	"html"
	"strconv"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// descriptionPrefix bounds how much of the description feeds the
// fingerprint. Providers truncate long descriptions at different lengths.
const descriptionPrefix = 120

var stripTags = bluemonday.StrictPolicy()

// NormalizeText strips markup, folds accents, lower-cases and collapses
// whitespace. "<b>Aquisição</b>  de   PÃES" becomes "aquisicao de paes".
func NormalizeText(s string) string {
	s = html.UnescapeString(stripTags.Sanitize(s))
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err == nil {
		s = folded
	}
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// digits keeps only ASCII digits and drops leading zeros, so "00.394.460/0001-41"
// and "394460000141" compare equal.
func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// Fingerprint derives the cross-source identity of a record from its
// normalized jurisdiction, identifying numbers and a description hash.
func Fingerprint(r RawRecord) string {
	desc := []rune(NormalizeText(r.Description))
	if len(desc) > descriptionPrefix {
		desc = desc[:descriptionPrefix]
	}
	descSum := blake2b.Sum256([]byte(string(desc)))

	key := strings.Join([]string{
		strings.ToUpper(strings.TrimSpace(r.UF)),
		digits(r.AgencyID),
		digits(r.ProcessNumber),
		strconv.Itoa(r.Year),
		hex.EncodeToString(descSum[:8]),
	}, "|")
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
