package session

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a call's conversation history. Role alternation is
// not enforced; upstream retries may produce consecutive same-role entries.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is one fragment of a streamed reply. A non-nil Err ends the stream;
// any Text already delivered stays committed.
type Delta struct {
	Text string
	Err  error
}

// Transcriber turns a fixed-format WAV clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// ReplyStreamer produces an incremental token stream for the given history.
// The returned channel is finite and not restartable; it closes when the
// reply is complete.
type ReplyStreamer interface {
	StreamReply(ctx context.Context, history []Message) (<-chan Delta, error)
}

// Synthesizer renders text to a playable audio asset and returns its URL.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// PlaybackDispatcher instructs the signaling layer to play an asset into a
// live call.
type PlaybackDispatcher interface {
	Play(ctx context.Context, callSID, assetURL string) error
}

// Clients bundles the external engines one call depends on.
type Clients struct {
	Transcriber Transcriber
	Replies     ReplyStreamer
	Synth       Synthesizer
	Playback    PlaybackDispatcher
}
