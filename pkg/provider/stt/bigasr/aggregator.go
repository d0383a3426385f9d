package bigasr

import (
	"sync"

	"github.com/MrWong99/murmur/pkg/provider/stt"
)

// Aggregator turns the stream of partial and final events into one
// transcript. Each partial replaces the previous text; the final text
// replaces it again, falling back to the latest partial when the final
// frame carries no text.
//
// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	text       string
	utterances []stt.Utterance
	partials   int
	onPartial  func(stt.Transcript)
}

// NewAggregator returns an Aggregator that forwards every partial to
// onPartial. onPartial may be nil.
func NewAggregator(onPartial func(stt.Transcript)) *Aggregator {
	return &Aggregator{onPartial: onPartial}
}

// Partial records an interim result and forwards it to the listener.
func (a *Aggregator) Partial(text string, utts []stt.Utterance) {
	a.mu.Lock()
	a.text = text
	if utts != nil {
		a.utterances = utts
	}
	a.partials++
	cb := a.onPartial
	a.mu.Unlock()

	if cb != nil {
		cb(stt.Transcript{Text: text, Utterances: utts})
	}
}

// Final records the final result and returns the transcript to deliver.
func (a *Aggregator) Final(text string, utts []stt.Utterance) stt.Transcript {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text != "" {
		a.text = text
	}
	if utts != nil {
		a.utterances = utts
	}
	return stt.Transcript{Text: a.text, IsFinal: true, Utterances: a.utterances}
}

// Partials returns the number of partials seen so far.
func (a *Aggregator) Partials() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partials
}
