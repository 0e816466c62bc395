package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ArtifactKind names a produced file type tracked on a content item.
type ArtifactKind string

const (
	ArtifactWAV       ArtifactKind = "wav"
	ArtifactMP3       ArtifactKind = "mp3"
	ArtifactSubtitles ArtifactKind = "subtitles"
	ArtifactThumbnail ArtifactKind = "thumbnail"
	ArtifactPodcast   ArtifactKind = "podcast"
)

// ArtifactKinds lists every tracked kind.
func ArtifactKinds() []ArtifactKind {
	return []ArtifactKind{ArtifactWAV, ArtifactMP3, ArtifactSubtitles, ArtifactThumbnail, ArtifactPodcast}
}

// ParseArtifactKind accepts a kind name.
func ParseArtifactKind(s string) (ArtifactKind, error) {
	for _, k := range ArtifactKinds() {
		if string(k) == strings.ToLower(strings.TrimSpace(s)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown artifact kind %q", s)
}

// Dir returns the folder, relative to the output root, holding artifacts of this kind.
func (k ArtifactKind) Dir() string {
	switch k {
	case ArtifactWAV:
		return "waves"
	case ArtifactMP3:
		return "mp3"
	case ArtifactSubtitles:
		return "subtitles"
	case ArtifactThumbnail:
		return "images"
	case ArtifactPodcast:
		return "podcast"
	default:
		return string(k)
	}
}

// Ext returns the file extension, with dot, used for artifacts of this kind.
func (k ArtifactKind) Ext() string {
	switch k {
	case ArtifactWAV:
		return ".wav"
	case ArtifactMP3:
		return ".mp3"
	case ArtifactSubtitles:
		return ".srt"
	case ArtifactThumbnail:
		return ".png"
	case ArtifactPodcast:
		return ".mp4"
	default:
		return ""
	}
}

// Artifact records a produced file and the host owning its canonical copy.
type Artifact struct {
	Filename   string   `json:"filename"`
	Hostname   string   `json:"hostname"`
	Duration   *float64 `json:"duration,omitempty"`
	SentenceID *int     `json:"sentence_id,omitempty"`
	SHA256     string   `json:"sha256,omitempty"`
	Size       int64    `json:"size,omitempty"`
}

// Segment is one ordered text unit of a content item.
type Segment struct {
	Count   int    `json:"count"`
	Content string `json:"content"`
}

const spacerPrefix = "<spacer "

// IsSpacer reports whether the segment encodes a pause instead of spoken text.
func (s Segment) IsSpacer() bool {
	return strings.HasPrefix(strings.TrimSpace(s.Content), spacerPrefix)
}

// Pause decodes a spacer directive like "<spacer 1.5>" into a duration.
func (s Segment) Pause() (time.Duration, bool) {
	raw := strings.TrimSpace(s.Content)
	if !strings.HasPrefix(raw, spacerPrefix) || !strings.HasSuffix(raw, ">") {
		return 0, false
	}
	value := strings.TrimSpace(raw[len(spacerPrefix) : len(raw)-1])
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds * float64(time.Second)), true
}

// StatusFlags maps stage completion flags to their state. A missing key means
// the stage was never attempted, false means invalidated, true means complete.
type StatusFlags map[string]bool

// Get returns the flag value and whether it is present.
func (f StatusFlags) Get(flag string) (bool, bool) {
	if f == nil {
		return false, false
	}
	v, ok := f[flag]
	return v, ok
}

// IsTrue reports whether the flag is present and true.
func (f StatusFlags) IsTrue(flag string) bool {
	v, ok := f.Get(flag)
	return ok && v
}

// UnmarshalJSON accepts booleans as well as the legacy "true"/"false" strings.
func (f *StatusFlags) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(StatusFlags, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case bool:
			out[key] = v
		case string:
			out[key] = strings.EqualFold(v, "true")
		case nil:
			// null is treated as never attempted
		default:
			out[key] = false
		}
	}
	*f = out
	return nil
}

// ArchiveEntry is a superseded snapshot of an item.
type ArchiveEntry struct {
	ArchivedAt time.Time   `json:"archived_at"`
	Snapshot   ContentItem `json:"snapshot"`
}

// ContentItem is a unit of content moving through the pipeline.
type ContentItem struct {
	ID           int64                     `json:"id"`
	Title        string                    `json:"title"`
	LegacyStatus string                    `json:"legacy_status"`
	Type         string                    `json:"type"`
	Segments     []Segment                 `json:"segments"`
	Status       StatusFlags               `json:"status_flags"`
	Artifacts    map[ArtifactKind]Artifact `json:"artifacts"`
	Meta         map[string]any            `json:"meta,omitempty"`
	Archive      []ArchiveEntry            `json:"archive,omitempty"`
	Version      int64                     `json:"version"`
	CreatedAt    time.Time                 `json:"created_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// MarkComplete sets a stage completion flag to true.
func (c *ContentItem) MarkComplete(flag string) {
	if c.Status == nil {
		c.Status = StatusFlags{}
	}
	c.Status[flag] = true
}

// ResetFlag marks a flag as invalidated so the stage is retried.
func (c *ContentItem) ResetFlag(flag string) {
	if c.Status == nil {
		c.Status = StatusFlags{}
	}
	c.Status[flag] = false
}

// RecordArtifact stores the artifact record for a kind.
func (c *ContentItem) RecordArtifact(kind ArtifactKind, a Artifact) {
	if c.Artifacts == nil {
		c.Artifacts = map[ArtifactKind]Artifact{}
	}
	c.Artifacts[kind] = a
}

// ClearArtifact drops the artifact record for a kind.
func (c *ContentItem) ClearArtifact(kind ArtifactKind) {
	delete(c.Artifacts, kind)
}

// ArtifactFor returns the artifact record for a kind, if any.
func (c *ContentItem) ArtifactFor(kind ArtifactKind) (Artifact, bool) {
	a, ok := c.Artifacts[kind]
	return a, ok && a.Filename != ""
}

// Supersede pushes a snapshot of the current record into the archive and
// resets pipeline state. The id is kept so inbound references stay valid.
func (c *ContentItem) Supersede(now time.Time) {
	snapshot := c.Clone()
	snapshot.Archive = nil
	c.Archive = append(c.Archive, ArchiveEntry{ArchivedAt: now.UTC(), Snapshot: snapshot})
	c.Status = StatusFlags{}
	c.Artifacts = map[ArtifactKind]Artifact{}
	c.LegacyStatus = ""
}

// Clone returns a deep copy of the item.
func (c ContentItem) Clone() ContentItem {
	out := c
	if c.Segments != nil {
		out.Segments = append([]Segment(nil), c.Segments...)
	}
	if c.Status != nil {
		out.Status = make(StatusFlags, len(c.Status))
		for k, v := range c.Status {
			out.Status[k] = v
		}
	}
	if c.Artifacts != nil {
		out.Artifacts = make(map[ArtifactKind]Artifact, len(c.Artifacts))
		for k, v := range c.Artifacts {
			out.Artifacts[k] = v
		}
	}
	if c.Meta != nil {
		raw, err := json.Marshal(c.Meta)
		if err == nil {
			var meta map[string]any
			if json.Unmarshal(raw, &meta) == nil {
				out.Meta = meta
			}
		}
	}
	if c.Archive != nil {
		out.Archive = append([]ArchiveEntry(nil), c.Archive...)
	}
	return out
}

// Text joins the spoken segments, skipping spacers.
func (c ContentItem) Text() string {
	parts := make([]string, 0, len(c.Segments))
	for _, s := range c.Segments {
		if s.IsSpacer() {
			continue
		}
		if t := strings.TrimSpace(s.Content); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// PaddedID renders the id the way produced filenames embed it.
func (c ContentItem) PaddedID() string {
	return fmt.Sprintf("%010d", c.ID)
}
