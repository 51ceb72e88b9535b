// Package nlp scores social posts with fixed keyword weights.
package nlp

import (
	"sort"
	"strings"

	"fieldwatch/internal/domain"
)

const (
	ClassHazard = "hazard"
	ClassNoise  = "noise"

	hazardThreshold = 4
	maxKeywords     = 3
)

var hazardWords = map[string]int{
	"fire": 5, "crash": 5, "accident": 5, "police": 4, "sirens": 4, "emergency": 5,
	"assault": 6, "stolen": 4, "gun": 7, "help": 3, "trapped": 5, "injury": 5, "theft": 4,
	"vandalism": 3, "smoke": 3, "blocked": 2, "explosion": 6, "suspicious": 3, "ambulance": 4,
}

var noiseWords = map[string]int{
	"concert": -4, "parade": -4, "festival": -4, "food": -3, "music": -3, "party": -3,
	"sale": -4, "great": -2, "amazing": -2, "beautiful": -2, "fun": -2,
}

var sentimentWords = map[string]int{
	"terrible": -3, "awful": -3, "scary": -4, "bad": -2, "avoid": -3, "nightmare": -4,
	"sad": -2, "broken": -2,
	"great": 2, "amazing": 2, "beautiful": 2, "fun": 2, "safe": 4, "resolved": 3,
}

var punctuation = strings.NewReplacer(".", "", ",", "", "!", "", "?", "", ":", "", ";", "")

type keyword struct {
	word  string
	score int
}

// Classify is deterministic: the same content always yields the same result.
func Classify(post domain.SocialPost) domain.ClassifiedPost {
	tokens := strings.Fields(punctuation.Replace(strings.ToLower(post.Content)))

	hazard, sentiment := 0, 0
	var found []keyword
	for _, tok := range tokens {
		if score, ok := hazardWords[tok]; ok {
			hazard += score
			found = append(found, keyword{tok, score})
		}
		hazard += noiseWords[tok]
		sentiment += sentimentWords[tok]
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].score > found[j].score })
	if len(found) > maxKeywords {
		found = found[:maxKeywords]
	}
	keywords := make([]string, 0, len(found))
	for _, k := range found {
		keywords = append(keywords, k.word)
	}

	class := ClassNoise
	if hazard >= hazardThreshold {
		class = ClassHazard
	}
	return domain.ClassifiedPost{
		SocialPost:     post,
		Classification: class,
		Sentiment:      clamp(float64(sentiment)/5, -1, 1),
		Keywords:       keywords,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
