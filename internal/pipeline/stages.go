package pipeline

import (
	"errors"
	"fmt"

	"content-pipeline/internal/models"
	"content-pipeline/internal/store"
)

// Completion flags, one per stage. Queue channels share these names.
const (
	FlagFunFact   = "funfact_created"
	FlagWAV       = "wav_generated"
	FlagMP3       = "mp3_generated"
	FlagSRT       = "srt_generated"
	FlagSRTFixed  = "srt_fixed"
	FlagThumbnail = "thumbnail_generated"
	FlagPodcast   = "podcast_ready"
	FlagYouTube   = "youtube_uploaded"
)

// DefaultCeiling bounds the number of items in flight downstream of a stage.
const DefaultCeiling = 100

// ErrInvalidStage reports a stage descriptor that cannot be scheduled.
var ErrInvalidStage = errors.New("invalid stage descriptor")

// Stage describes one step of the pipeline.
type Stage struct {
	Name           string
	CompletionFlag string
	// InputFlags must all be true before the stage may run.
	InputFlags []string
	// ExcludeFlags must not be true for an item to be selected.
	ExcludeFlags []string
	Inputs       []models.ArtifactKind
	Outputs      []models.ArtifactKind
	InputQueue   string
	OutputQueue  string
	// ThrottleUntil names the flags that mark an item as having left the
	// stretch of pipeline this stage feeds. Empty disables the gate.
	ThrottleUntil []string
	Ceiling       int
	LegacyStatus  string
}

// SelectPredicate picks items ready for this stage.
func (s Stage) SelectPredicate() store.Predicate {
	notTrue := append([]string{s.CompletionFlag}, s.ExcludeFlags...)
	return store.Predicate{
		RequiredTrue:    append([]string(nil), s.InputFlags...),
		RequiredNotTrue: notTrue,
	}
}

// GatePredicate counts items this stage has released that have not yet
// reached the end of its throttled stretch.
func (s Stage) GatePredicate() store.Predicate {
	required := append(append([]string(nil), s.InputFlags...), s.CompletionFlag)
	return store.Predicate{
		RequiredTrue:    required,
		RequiredNotTrue: append([]string(nil), s.ThrottleUntil...),
	}
}

// Gated reports whether the stage is subject to backpressure.
func (s Stage) Gated() bool {
	return len(s.ThrottleUntil) > 0 && s.Ceiling > 0
}

// Eligible reports whether an item satisfies the selection predicate.
func (s Stage) Eligible(item models.ContentItem) bool {
	for _, f := range s.InputFlags {
		if !item.Status.IsTrue(f) {
			return false
		}
	}
	if item.Status.IsTrue(s.CompletionFlag) {
		return false
	}
	for _, f := range s.ExcludeFlags {
		if item.Status.IsTrue(f) {
			return false
		}
	}
	return true
}

// Validate checks the descriptor in isolation.
func (s Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidStage)
	}
	if s.CompletionFlag == "" {
		return fmt.Errorf("%w: stage %s has no completion flag", ErrInvalidStage, s.Name)
	}
	if err := s.SelectPredicate().Validate(); err != nil {
		return fmt.Errorf("%w: stage %s select: %v", ErrInvalidStage, s.Name, err)
	}
	if err := s.GatePredicate().Validate(); err != nil {
		return fmt.Errorf("%w: stage %s gate: %v", ErrInvalidStage, s.Name, err)
	}
	if s.Ceiling < 0 {
		return fmt.Errorf("%w: stage %s has negative ceiling", ErrInvalidStage, s.Name)
	}
	return nil
}

// Defaults returns the production pipeline in declaration order.
func Defaults() []Stage {
	return []Stage{
		{
			Name:           "funfact",
			CompletionFlag: FlagFunFact,
			OutputQueue:    FlagFunFact,
			ThrottleUntil:  []string{FlagPodcast},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "funfact_created",
		},
		{
			Name:           "wav",
			CompletionFlag: FlagWAV,
			InputFlags:     []string{FlagFunFact},
			ExcludeFlags:   []string{FlagYouTube},
			Outputs:        []models.ArtifactKind{models.ArtifactWAV},
			InputQueue:     FlagFunFact,
			OutputQueue:    FlagWAV,
			ThrottleUntil:  []string{FlagPodcast},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "wav_generated",
		},
		{
			Name:           "mp3",
			CompletionFlag: FlagMP3,
			InputFlags:     []string{FlagFunFact, FlagWAV},
			Inputs:         []models.ArtifactKind{models.ArtifactWAV},
			Outputs:        []models.ArtifactKind{models.ArtifactMP3},
			InputQueue:     FlagWAV,
			OutputQueue:    FlagMP3,
			ThrottleUntil:  []string{FlagPodcast},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "mp3_generated",
		},
		{
			Name:           "srt",
			CompletionFlag: FlagSRT,
			InputFlags:     []string{FlagFunFact, FlagWAV, FlagMP3},
			Inputs:         []models.ArtifactKind{models.ArtifactMP3},
			Outputs:        []models.ArtifactKind{models.ArtifactSubtitles},
			InputQueue:     FlagMP3,
			OutputQueue:    FlagSRT,
			ThrottleUntil:  []string{FlagPodcast},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "srt_generated",
		},
		{
			Name:           "fix_subtitles",
			CompletionFlag: FlagSRTFixed,
			InputFlags:     []string{FlagFunFact, FlagWAV, FlagMP3, FlagSRT},
			Inputs:         []models.ArtifactKind{models.ArtifactSubtitles},
			Outputs:        []models.ArtifactKind{models.ArtifactSubtitles},
			InputQueue:     FlagSRT,
			OutputQueue:    FlagSRTFixed,
			ThrottleUntil:  []string{FlagPodcast},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "srt_fixed",
		},
		{
			Name:           "thumbnail",
			CompletionFlag: FlagThumbnail,
			InputFlags:     []string{FlagFunFact},
			Outputs:        []models.ArtifactKind{models.ArtifactThumbnail},
			InputQueue:     FlagFunFact,
			OutputQueue:    FlagThumbnail,
			ThrottleUntil:  []string{FlagPodcast},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "thumbnail_generated",
		},
		{
			Name:           "podcast",
			CompletionFlag: FlagPodcast,
			InputFlags:     []string{FlagFunFact, FlagWAV, FlagMP3, FlagSRT, FlagSRTFixed, FlagThumbnail},
			Inputs:         []models.ArtifactKind{models.ArtifactMP3, models.ArtifactSubtitles, models.ArtifactThumbnail},
			Outputs:        []models.ArtifactKind{models.ArtifactPodcast},
			InputQueue:     FlagSRTFixed,
			OutputQueue:    FlagPodcast,
			ThrottleUntil:  []string{FlagYouTube},
			Ceiling:        DefaultCeiling,
			LegacyStatus:   "podcast_ready",
		},
		{
			Name:           "youtube",
			CompletionFlag: FlagYouTube,
			InputFlags:     []string{FlagFunFact, FlagWAV, FlagMP3, FlagSRT, FlagSRTFixed, FlagThumbnail, FlagPodcast},
			Inputs:         []models.ArtifactKind{models.ArtifactPodcast, models.ArtifactThumbnail},
			InputQueue:     FlagPodcast,
			OutputQueue:    FlagYouTube,
			LegacyStatus:   "youtube_uploaded",
		},
	}
}
