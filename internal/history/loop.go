package history

import "strings"

// loopDetector keeps the last Window assistant turns and classifies runaway
// repetition as soon as the offending turn is observed.
type loopDetector struct {
	window    int
	threshold int
	recent    []assistantEntry
}

type assistantEntry struct {
	turn int
	sigs signatureSet
	text string
}

func newLoopDetector(window, threshold int) *loopDetector {
	return &loopDetector{window: window, threshold: threshold, recent: make([]assistantEntry, 0, window)}
}

// observe records one assistant turn and returns a *LoopDetectedError when
// either rule fires:
//   - the last Threshold entries share an identical non-empty signature multiset;
//   - the turn's text matches one of the two preceding assistant turns'
//     text while both carry the same non-empty signature multiset.
func (d *loopDetector) observe(turnIndex int, t Turn) error {
	entry := assistantEntry{turn: turnIndex, sigs: signaturesOf(t), text: collapseWhitespace(t.Text())}

	d.recent = append(d.recent, entry)
	if len(d.recent) > d.window {
		d.recent = d.recent[len(d.recent)-d.window:]
	}

	if len(entry.sigs) == 0 {
		return nil
	}

	if run := d.trailingRun(); run >= d.threshold {
		return &LoopDetectedError{
			Turn:       turnIndex,
			Signatures: entry.sigs,
			Repeats:    run,
			Window:     d.window,
			Reason:     "identical tool calls in consecutive assistant turns",
		}
	}

	if entry.text == "" {
		return nil
	}
	prior := d.recent[:len(d.recent)-1]
	for i := len(prior) - 1; i >= 0 && i >= len(prior)-2; i-- {
		p := prior[i]
		if p.text == entry.text && p.sigs.equal(entry.sigs) {
			return &LoopDetectedError{
				Turn:       turnIndex,
				Signatures: entry.sigs,
				Repeats:    2,
				Window:     d.window,
				Reason:     "repeated text with identical tool calls",
			}
		}
	}
	return nil
}

// trailingRun counts how many of the most recent entries carry the same
// signature multiset as the newest one.
func (d *loopDetector) trailingRun() int {
	last := d.recent[len(d.recent)-1]
	run := 0
	for i := len(d.recent) - 1; i >= 0; i-- {
		if !d.recent[i].sigs.equal(last.sigs) {
			break
		}
		run++
	}
	return run
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
