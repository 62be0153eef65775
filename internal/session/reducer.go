// Package session holds the pure mutators for entity.Session. Each mutator
// either returns the next state or an error wrapping apperr.ErrStateInvariant,
// in which case the caller keeps the state it had.
package session

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"docforge/internal/apperr"
	"docforge/internal/entity"

	"github.com/google/uuid"
)

// Mutator is one step applied to a session value.
type Mutator func(entity.Session) (entity.Session, error)

// Apply runs muts in order. It is all-or-nothing: on the first error the
// original session is returned unchanged.
func Apply(s entity.Session, muts ...Mutator) (entity.Session, error) {
	next := s.Clone()
	for _, m := range muts {
		var err error
		next, err = m(next)
		if err != nil {
			return s, err
		}
	}
	return next, nil
}

func violation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperr.ErrStateInvariant, fmt.Sprintf(format, args...))
}

var knownStages = map[entity.ViewStage]bool{
	entity.StageInitial:       true,
	entity.StageUpload:        true,
	entity.StageQuestioning:   true,
	entity.StagePreview:       true,
	entity.StageGenerating:    true,
	entity.StageArtifactReady: true,
}

func SetViewStage(stage entity.ViewStage) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if !knownStages[stage] {
			return s, violation("unknown view stage %q", stage)
		}
		if stage == entity.StageArtifactReady && s.Artifact == nil {
			return s, violation("artifact_ready requires an artifact")
		}
		s.ViewStage = stage
		return s, nil
	}
}

// SetQuestions replaces the question list, ordered by ordinal, and points the
// cursor at the first unanswered question.
func SetQuestions(questions []entity.Question) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		seen := make(map[int]bool, len(questions))
		qs := make([]entity.Question, 0, len(questions))
		for _, q := range questions {
			if seen[q.Ordinal] {
				return s, violation("duplicate question ordinal %d", q.Ordinal)
			}
			seen[q.Ordinal] = true
			qs = append(qs, q)
		}
		sort.SliceStable(qs, func(i, j int) bool { return qs[i].Ordinal < qs[j].Ordinal })
		s.Questions = qs
		s.CurrentQuestion = firstUnanswered(qs, 0)
		return s, nil
	}
}

func ClearQuestions() Mutator {
	return func(s entity.Session) (entity.Session, error) {
		s.Questions = nil
		s.CurrentQuestion = 0
		return s, nil
	}
}

// UpsertAnswer sets the answer of the question with the given ordinal,
// adding the question if the list doesn't have it yet.
func UpsertAnswer(ordinal int, text string) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		for i := range s.Questions {
			if s.Questions[i].Ordinal == ordinal {
				s.Questions[i].Answer = text
				return s, nil
			}
		}
		s.Questions = append(s.Questions, entity.Question{Ordinal: ordinal, Answer: text})
		sort.SliceStable(s.Questions, func(i, j int) bool { return s.Questions[i].Ordinal < s.Questions[j].Ordinal })
		return s, nil
	}
}

// AdvanceToNextQuestion moves the cursor to the next unanswered question,
// wrapping around once. With nothing left the cursor lands past the end.
func AdvanceToNextQuestion() Mutator {
	return func(s entity.Session) (entity.Session, error) {
		n := len(s.Questions)
		if next := firstUnanswered(s.Questions, s.CurrentQuestion+1); next < n {
			s.CurrentQuestion = next
			return s, nil
		}
		s.CurrentQuestion = firstUnanswered(s.Questions, 0)
		return s, nil
	}
}

func firstUnanswered(qs []entity.Question, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(qs); i++ {
		if !qs[i].Answered() {
			return i
		}
	}
	return len(qs)
}

func SetConnectionAddress(address string) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		s.ConnectionAddress = address
		return s, nil
	}
}

// SetProgress rejects regressions. Values outside 0..100 are clamped.
func SetProgress(percent int) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if percent < s.ProgressPercent {
			return s, violation("progress regression %d -> %d", s.ProgressPercent, percent)
		}
		s.ProgressPercent = percent
		return s, nil
	}
}

// ResetProgress is the explicit reset before a new generation job: progress,
// streamed and displayed text, completion and artifact all start over.
func ResetProgress() Mutator {
	return func(s entity.Session) (entity.Session, error) {
		s.ProgressPercent = 0
		s.StreamedText = ""
		s.DisplayedText = ""
		s.Completed = false
		s.Artifact = nil
		return s, nil
	}
}

// Delta is a chunk of streamed text. Offset, when set, is the character
// position of Text within the whole stream and lets retransmits be detected.
type Delta struct {
	Offset *int
	Text   string
}

func Chunk(text string) Delta { return Delta{Text: text} }

func ChunkAt(offset int, text string) Delta { return Delta{Offset: &offset, Text: text} }

// AppendStreamedText concatenates a delta, never replacing what is there.
// With an offset, a delta that was already received is rejected, one that
// overlaps contributes only its unseen suffix, and one that leaves a gap is
// rejected as out of order.
func AppendStreamedText(d Delta) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if d.Text == "" {
			return s, nil
		}
		if s.Completed {
			return s, violation("text delta after completion")
		}

		text := d.Text
		if d.Offset != nil {
			have := utf8.RuneCountInString(s.StreamedText)
			off := *d.Offset
			n := utf8.RuneCountInString(text)
			switch {
			case off < 0:
				return s, violation("negative delta offset %d", off)
			case off > have:
				return s, violation("delta at %d leaves a gap after %d characters", off, have)
			case off+n <= have:
				return s, violation("duplicate delta at %d (%d characters)", off, n)
			}
			text = skipRunes(text, have-off)
		}

		next := s.StreamedText + text
		if len(next) < len(s.DisplayedText) {
			return s, violation("streamed text would fall behind displayed text")
		}
		s.StreamedText = next
		return s, nil
	}
}

// RepeatsTail reports whether a delta without an offset is identical to the
// end of the streamed text. Such a delta may be a retransmit that
// AppendStreamedText cannot tell apart from new text.
func RepeatsTail(s entity.Session, d Delta) bool {
	return d.Offset == nil && d.Text != "" && strings.HasSuffix(s.StreamedText, d.Text)
}

func skipRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return s[i:]
		}
		n--
	}
	return ""
}

// SetDisplayedText only accepts a prefix of the streamed text that is at
// least as long as what is already displayed.
func SetDisplayedText(prefix string) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if !strings.HasPrefix(s.StreamedText, prefix) {
			return s, violation("displayed text is not a prefix of streamed text")
		}
		if len(prefix) < len(s.DisplayedText) {
			return s, violation("displayed text cannot shrink")
		}
		if len(prefix) < len(s.StreamedText) && !utf8.RuneStart(s.StreamedText[len(prefix)]) {
			return s, violation("displayed text splits a character")
		}
		s.DisplayedText = prefix
		return s, nil
	}
}

// MarkCompleted finishes the stream: progress is pinned to 100 and the whole
// streamed text becomes visible at once.
func MarkCompleted() Mutator {
	return func(s entity.Session) (entity.Session, error) {
		s.Completed = true
		s.ProgressPercent = 100
		s.DisplayedText = s.StreamedText
		return s, nil
	}
}

func SetArtifact(a *entity.Artifact) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if a == nil {
			return s, violation("nil artifact")
		}
		if !s.Completed {
			return s, violation("artifact for an unfinished session")
		}
		cp := *a
		s.Artifact = &cp
		return s, nil
	}
}

// Reset returns the session to the initial stage under a fresh id.
func Reset() Mutator {
	return func(s entity.Session) (entity.Session, error) {
		fresh := entity.NewSession(s.Key())
		fresh.Version = s.Version
		return fresh, nil
	}
}

// RequireId fails when the session was reset since id was read, so work
// started for an older session is dropped.
func RequireId(id uuid.UUID) Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if s.Id != id {
			return s, violation("session %s was replaced by %s", id, s.Id)
		}
		return s, nil
	}
}

func RequireIncomplete() Mutator {
	return func(s entity.Session) (entity.Session, error) {
		if s.Completed {
			return s, violation("session already completed")
		}
		return s, nil
	}
}
