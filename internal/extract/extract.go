// Package extract pulls structured intake fields out of free-text chat messages.
//
// Extraction is pattern based and stateless: a single message may populate
// several fields at once, regardless of which field is currently being asked.
package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/DeviceIntake/internal/slots"
)

// EscapeToken means "the user does not know or declines to specify".
const EscapeToken = "TBD"

// Canonical location values.
const (
	LocationPoland  = "Poland"
	LocationGermany = "Germany"
	LocationGhana   = "Ghana"
	LocationOther   = "Other"
)

var (
	emailRe     = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	dateRangeRe = regexp.MustCompile(`(?i)(\d{4}-\d{2}-\d{2})\s*(?:to|→|-|–|\s)\s*(\d{4}-\d{2}-\d{2})`)

	qtyVerbRe = regexp.MustCompile(`(?i)\b(?:need|want|require|rent|hire|order)\s+(\d{1,3})\b`)
	qtyNounRe = regexp.MustCompile(`(?i)\b(\d{1,3})\s*(?:devices?|phones?|units?)\b`)
	qtyBareRe = regexp.MustCompile(`^\s*(\d{1,3})\s*$`)

	androidRe   = regexp.MustCompile(`(?i)\bandroid\b`)
	appleRe     = regexp.MustCompile(`(?i)\bios\b|iphone|ipad|apple`)
	osVersionRe = regexp.MustCompile(`(?i)\b(android|ios)\s*([0-9]{1,2})\b`)
	deviceRe    = regexp.MustCompile(`(?i)(pixel\s?\d+\s?(pro|max)?|iphone\s?\d+\s?(pro|max)?|galaxy\s?[a-z0-9]+)`)
	spaceRe     = regexp.MustCompile(`\s+`)
	otherRe     = regexp.MustCompile(`(?i)\bother\b`)

	uncertainRe = regexp.MustCompile(`(?i)\b(idk|i\s*don'?t\s*know|not\s*sure|any|whatever)\b`)
	yesRe       = regexp.MustCompile(`(?i)^\s*(yes|y|ok|sure|true)\s*$`)
	noRe        = regexp.MustCompile(`(?i)^\s*(no|n|false|nope)\s*$`)
	resetRe     = regexp.MustCompile(`(?i)^\s*(reset|restart|new|start\s+over)\s*$`)
	bareIntRe   = regexp.MustCompile(`^\s*(\d{1,2})\s*$`)

	numberWords = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
	numberWordRe = regexp.MustCompile(`(?i)\b(one|two|three|four|five|six|seven|eight|nine|ten)\b`)
)

type alias struct {
	key       *regexp.Regexp
	canonical string
}

// Checked in order; the first alias found wins.
var locationAliases = buildAliases([][2]string{
	{"poland", LocationPoland}, {"polska", LocationPoland}, {"pl", LocationPoland},
	{"warsaw", LocationPoland}, {"warszawa", LocationPoland},
	{"germany", LocationGermany}, {"niemcy", LocationGermany}, {"de", LocationGermany},
	{"deutschland", LocationGermany}, {"berlin", LocationGermany},
	{"ghana", LocationGhana}, {"gh", LocationGhana}, {"accra", LocationGhana},
})

func buildAliases(pairs [][2]string) []alias {
	out := make([]alias, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, alias{
			key:       regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(p[0]) + `\b`),
			canonical: p[1],
		})
	}
	return out
}

// Extract maps raw message text to candidate field values. Values are
// strings, ints (quantity) or []string (accessories). Fields with no
// candidate are absent from the result.
func Extract(text string, reg *slots.Registry) map[string]any {
	t := strings.TrimSpace(text)
	out := make(map[string]any)
	if t == "" {
		return out
	}

	if androidRe.MatchString(t) {
		out[slots.FieldPlatform] = "Android"
	}
	if appleRe.MatchString(t) {
		out[slots.FieldPlatform] = "iOS"
	}

	m := qtyVerbRe.FindStringSubmatch(t)
	if m == nil {
		m = qtyNounRe.FindStringSubmatch(t)
	}
	if m != nil {
		if q, err := strconv.Atoi(m[1]); err == nil && q > 0 {
			out[slots.FieldQuantity] = q
		}
	}

	if email := emailRe.FindString(t); email != "" {
		out[slots.FieldContactEmail] = email
	}

	if m := dateRangeRe.FindStringSubmatch(t); m != nil {
		out[slots.FieldRentalDates] = m[1] + " → " + m[2]
	}

	if reg != nil {
		if acc := matchVocabulary(t, reg.Values(slots.FieldAccessories)); len(acc) > 0 {
			out[slots.FieldAccessories] = acc
		}
	}

	if m := osVersionRe.FindStringSubmatch(t); m != nil {
		out[slots.FieldOSVersion] = platformName(m[1]) + " " + m[2]
	}

	if model := deviceRe.FindString(t); model != "" {
		out[slots.FieldDeviceModel] = titleCase(spaceRe.ReplaceAllString(strings.TrimSpace(model), " "))
	} else if IsUncertain(t) {
		out[slots.FieldDeviceModel] = EscapeToken
	}

	for _, a := range locationAliases {
		if a.key.MatchString(t) {
			out[slots.FieldLocation] = a.canonical
			break
		}
	}
	if otherRe.MatchString(t) {
		out[slots.FieldLocation] = LocationOther
	}

	return out
}

// CoerceQuantityLoose interprets a reply to a direct quantity question:
// a number word ("one".."ten") or a bare integer.
func CoerceQuantityLoose(text string) (int, bool) {
	t := strings.TrimSpace(text)
	if t == "" {
		return 0, false
	}
	if m := numberWordRe.FindStringSubmatch(t); m != nil {
		return numberWords[strings.ToLower(m[1])], true
	}
	if m := qtyBareRe.FindStringSubmatch(t); m != nil {
		if q, err := strconv.Atoi(m[1]); err == nil && q > 0 {
			return q, true
		}
	}
	return 0, false
}

// IsUncertain reports whether text contains a "don't know" marker.
func IsUncertain(text string) bool {
	return uncertainRe.MatchString(text)
}

// IsYes reports whether text is a bare affirmative.
func IsYes(text string) bool {
	return yesRe.MatchString(text)
}

// IsNo reports whether text is a bare negative.
func IsNo(text string) bool {
	return noRe.MatchString(text)
}

// IsReset reports whether text asks to start over.
func IsReset(text string) bool {
	return resetRe.MatchString(text)
}

// IsConfirmYes matches the affirmatives accepted at the confirmation step.
func IsConfirmYes(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "ok", "confirm":
		return true
	}
	return false
}

// IsConfirmNo matches the negatives accepted at the confirmation step.
func IsConfirmNo(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "no", "n":
		return true
	}
	return false
}

// BareInt returns the digits of a one- or two-digit reply.
func BareInt(text string) (string, bool) {
	m := bareIntRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func matchVocabulary(text string, vocabulary []string) []string {
	var out []string
	seen := make(map[string]bool, len(vocabulary))
	for _, v := range vocabulary {
		if v == "" || seen[v] {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(v) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func platformName(s string) string {
	if strings.EqualFold(s, "ios") {
		return "iOS"
	}
	return "Android"
}

// titleCase upper-cases every letter that follows a non-letter.
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}
