package transcriber

import (
	"strconv"
	"strings"
	"time"

	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/kikitori/internal/transcriber"
)

// offsetTracker keeps line offsets monotonic across reconnects, since every new stream restarts at zero.
type offsetTracker struct {
	base    time.Duration
	lastEnd time.Duration
}

func (o *offsetTracker) rebase() {
	o.base = o.lastEnd
}

func (o *offsetTracker) abs(d time.Duration) time.Duration {
	return o.base + d
}

func convertResponse(resp *speechpb.StreamingRecognizeResponse, offsets *offsetTracker, diarization bool) transcriber.Result {
	var res transcriber.Result
	var interim []string
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		alt := alts[0]
		if !r.GetIsFinal() {
			if text := strings.TrimSpace(alt.GetTranscript()); text != "" {
				interim = append(interim, text)
			}
			continue
		}
		end := offsets.abs(r.GetResultEndOffset().AsDuration())
		res.Lines = append(res.Lines, finalLines(alt, offsets, end)...)
		if end > offsets.lastEnd {
			offsets.lastEnd = end
		}
	}
	res.BufferTranscription = strings.Join(interim, " ")
	// Speaker labels only arrive on final results, so all interim text is still waiting for diarization.
	if diarization {
		res.BufferDiarization = res.BufferTranscription
	}
	return res
}

// finalLines splits one final alternative into lines at speaker changes.
func finalLines(alt *speechpb.SpeechRecognitionAlternative, offsets *offsetTracker, resultEnd time.Duration) []transcriber.Line {
	words := alt.GetWords()
	if len(words) == 0 || !hasSpeakerLabels(words) {
		text := strings.TrimSpace(alt.GetTranscript())
		if text == "" {
			return nil
		}
		begin := offsets.lastEnd
		if len(words) > 0 && words[0].GetStartOffset() != nil {
			begin = offsets.abs(words[0].GetStartOffset().AsDuration())
		}
		return []transcriber.Line{{Speaker: speakerNumber(firstLabel(words)), Text: text, Begin: begin, End: resultEnd}}
	}

	var lines []transcriber.Line
	var current []string
	var line transcriber.Line
	flush := func() {
		if len(current) == 0 {
			return
		}
		line.Text = strings.Join(current, " ")
		lines = append(lines, line)
		current = nil
	}
	for i, w := range words {
		speaker := speakerNumber(w.GetSpeakerLabel())
		if i == 0 || speaker != line.Speaker {
			flush()
			line = transcriber.Line{Speaker: speaker, Begin: offsets.abs(w.GetStartOffset().AsDuration())}
		}
		if text := strings.TrimSpace(w.GetWord()); text != "" {
			current = append(current, text)
		}
		line.End = offsets.abs(w.GetEndOffset().AsDuration())
	}
	flush()
	return lines
}

func hasSpeakerLabels(words []*speechpb.WordInfo) bool {
	for _, w := range words {
		if w.GetSpeakerLabel() != "" {
			return true
		}
	}
	return false
}

func firstLabel(words []*speechpb.WordInfo) string {
	if len(words) == 0 {
		return ""
	}
	return words[0].GetSpeakerLabel()
}

// speakerNumber maps engine labels ("1", "2", ...) to integers; unlabeled text is speaker 0.
func speakerNumber(label string) int {
	n, err := strconv.Atoi(strings.TrimSpace(label))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
