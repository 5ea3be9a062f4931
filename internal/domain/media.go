package domain

// TrackKind identifies what a local media track captures.
type TrackKind string

const (
	TrackKindAudio  TrackKind = "audio"
	TrackKindVideo  TrackKind = "video"
	TrackKindScreen TrackKind = "screen"
)

// Track is a local media track as owned by the device gateway. Concrete
// implementations also satisfy the transport's publishable track type;
// the state machine only needs identity and teardown.
type Track interface {
	ID() string
	Kind() TrackKind
	// Close stops capture and frees the underlying hardware handle.
	// Must be safe to call more than once.
	Close() error
}

// EndedNotifier is implemented by tracks that can signal asynchronous
// termination, such as the OS-level "stop sharing" control on a screen
// capture track.
type EndedNotifier interface {
	OnEnded(fn func())
}

// LocalMediaState holds the local endpoint's tracks for one session.
// At most one of Video/Screen is published for display at a time, but both
// must be stoppable on teardown.
type LocalMediaState struct {
	Audio  Track
	Video  Track
	Screen Track
}

// PublishSet returns the tracks that should currently be published:
// audio plus screen if sharing, else audio plus camera.
func (l *LocalMediaState) PublishSet(screenSharing bool) []Track {
	out := make([]Track, 0, 2)
	if l.Audio != nil {
		out = append(out, l.Audio)
	}
	if screenSharing && l.Screen != nil {
		out = append(out, l.Screen)
	} else if l.Video != nil {
		out = append(out, l.Video)
	}
	return out
}

// All returns every held track, for release on teardown.
func (l *LocalMediaState) All() []Track {
	out := make([]Track, 0, 3)
	for _, t := range []Track{l.Audio, l.Video, l.Screen} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}
