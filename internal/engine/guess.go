package engine

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// GuessInput is a guess after parsing, whatever shape it arrived in.
type GuessInput struct {
	Title  string
	Artist string
}

type Evaluation struct {
	TitleMatch  bool
	ArtistMatch bool
	Result      Outcome
}

var (
	dashSplit = regexp.MustCompile(`\s*[-–—]\s*`)
	byPattern = regexp.MustCompile(`(?i)^(.*)\s+by\s+(.*)$`)
)

// ParseGuess turns a submission into a title/artist pair. Explicit fields
// win; otherwise free text is split on a dash, then on the word "by", and
// finally taken whole as the title.
func ParseGuess(title, artist, free string) GuessInput {
	title = strings.TrimSpace(title)
	artist = strings.TrimSpace(artist)
	if title != "" || artist != "" {
		return GuessInput{Title: title, Artist: artist}
	}

	raw := strings.TrimSpace(free)
	if raw == "" {
		return GuessInput{}
	}
	if parts := dashSplit.Split(raw, -1); len(parts) > 1 {
		return GuessInput{
			Title:  strings.TrimSpace(parts[0]),
			Artist: strings.TrimSpace(strings.Join(parts[1:], " - ")),
		}
	}
	if m := byPattern.FindStringSubmatch(raw); m != nil {
		return GuessInput{Title: strings.TrimSpace(m[1]), Artist: strings.TrimSpace(m[2])}
	}
	return GuessInput{Title: raw}
}

// Normalize lowercases, strips diacritics and punctuation, and collapses
// whitespace so "Beyoncé - Halo!" and "beyonce halo" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	folded, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		folded = strings.ToLower(s)
	}
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(mapped), " ")
}

func Evaluate(g GuessInput, t Track) Evaluation {
	gt, ga := Normalize(g.Title), Normalize(g.Artist)
	tt, ta := Normalize(t.Title), Normalize(t.Artist)

	ev := Evaluation{
		TitleMatch:  gt != "" && tt != "" && gt == tt,
		ArtistMatch: ga != "" && ta != "" && ga == ta,
		Result:      OutcomeMiss,
	}
	switch {
	case ev.TitleMatch && ev.ArtistMatch:
		ev.Result = OutcomeSolved
	case ev.ArtistMatch:
		ev.Result = OutcomeArtist
	}
	return ev
}
