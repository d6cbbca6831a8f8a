package scheduler

import (
	"sort"
)

// Feedback elements are two words: the card index, then the res level in the
// top byte and the local page index in the low 24 bits.
const (
	FeedbackWordsPerElement = 2
	feedbackPageBits        = 24
	feedbackPageMask        = 1<<feedbackPageBits - 1
)

// FeedbackHit is one distinct page sampled by the GPU, with the number of
// samples that hit it.
type FeedbackHit struct {
	CardIndex      int
	ResLevel       int
	LocalPageIndex int
	Count          int
}

func EncodeFeedback(cardIndex, resLevel, localPage int) [FeedbackWordsPerElement]uint32 {
	return [FeedbackWordsPerElement]uint32{
		uint32(cardIndex),
		uint32(resLevel)<<feedbackPageBits | uint32(localPage)&feedbackPageMask,
	}
}

// DecodeFeedback aggregates a raw feedback buffer. A trailing odd word is
// ignored. Hits are ordered by card, level and page.
func DecodeFeedback(words []uint32) []FeedbackHit {
	type key struct{ card, level, page int }
	counts := make(map[key]int)
	for i := 0; i+1 < len(words); i += FeedbackWordsPerElement {
		k := key{
			card:  int(words[i]),
			level: int(words[i+1] >> feedbackPageBits),
			page:  int(words[i+1] & feedbackPageMask),
		}
		counts[k]++
	}

	hits := make([]FeedbackHit, 0, len(counts))
	for k, n := range counts {
		hits = append(hits, FeedbackHit{CardIndex: k.card, ResLevel: k.level, LocalPageIndex: k.page, Count: n})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.CardIndex != b.CardIndex {
			return a.CardIndex < b.CardIndex
		}
		if a.ResLevel != b.ResLevel {
			return a.ResLevel < b.ResLevel
		}
		return a.LocalPageIndex < b.LocalPageIndex
	})
	return hits
}
