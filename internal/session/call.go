package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/dpalomar/voxline/internal/audio"
	"github.com/dpalomar/voxline/internal/memory"
	"github.com/dpalomar/voxline/internal/observability"
	"github.com/dpalomar/voxline/internal/vad"
)

// Trigger names why a turn execution was scheduled.
type Trigger string

const (
	TriggerChunk      Trigger = "chunk"
	TriggerSilence    Trigger = "silence"
	TriggerMaxBuffer  Trigger = "max_buffer"
	TriggerStop       Trigger = "stop"
	TriggerDisconnect Trigger = "disconnect"
)

const (
	memorySaveTimeout = 2 * time.Second

	// fallbackReply is spoken when the generation request itself is rejected.
	// It is never appended to history.
	fallbackReply = "Lo siento, ha ocurrido un error procesando tu petición."
)

// Settings carries the per-call turn-taking configuration.
type Settings struct {
	InputSampleRate      int
	TranscribeSampleRate int
	ChunkThreshold       time.Duration
	SilenceTimeout       time.Duration
	MaxBuffer            time.Duration
	MinWordsPerChunk     int

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	PlaybackTimeout   time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.InputSampleRate <= 0 {
		s.InputSampleRate = 8000
	}
	if s.TranscribeSampleRate <= 0 {
		s.TranscribeSampleRate = 16000
	}
	if s.ChunkThreshold <= 0 {
		s.ChunkThreshold = 800 * time.Millisecond
	}
	if s.SilenceTimeout <= 0 {
		s.SilenceTimeout = time.Second
	}
	if s.MaxBuffer <= s.ChunkThreshold {
		s.MaxBuffer = 20 * time.Second
	}
	if s.MinWordsPerChunk <= 0 {
		s.MinWordsPerChunk = 5
	}
	if s.TranscribeTimeout <= 0 {
		s.TranscribeTimeout = 20 * time.Second
	}
	if s.GenerateTimeout <= 0 {
		s.GenerateTimeout = 60 * time.Second
	}
	if s.SynthesizeTimeout <= 0 {
		s.SynthesizeTimeout = 30 * time.Second
	}
	if s.PlaybackTimeout <= 0 {
		s.PlaybackTimeout = 10 * time.Second
	}
	return s
}

// Call is the per-call turn-taking state machine. Audio frames accumulate in
// an internal buffer until a trigger fires; the resulting turn execution
// transcribes the utterance, streams a reply, and dispatches synthesized
// chunks back into the call. At most one turn execution runs per call at any
// instant.
type Call struct {
	sid      string
	settings Settings
	clients  Clients
	detector *vad.Detector
	store    memory.Store
	metrics  *observability.Metrics
	log      *slog.Logger

	// turnMu spans one whole turn execution and is the single-flight guard.
	turnMu     sync.Mutex
	processing atomic.Bool
	closed     atomic.Bool

	// mu guards the accumulating turn state below.
	mu        sync.Mutex
	buf       []byte
	lastVoice time.Time
	history   []Message

	stopWatch chan struct{}
	watchDone chan struct{}
	turns     sync.WaitGroup
}

func newCall(sid string, settings Settings, clients Clients, detector *vad.Detector, store memory.Store, metrics *observability.Metrics, log *slog.Logger) *Call {
	if log == nil {
		log = slog.Default()
	}
	c := &Call{
		sid:       sid,
		settings:  settings.withDefaults(),
		clients:   clients,
		detector:  detector,
		store:     store,
		metrics:   metrics,
		log:       log.With("call_sid", sid),
		stopWatch: make(chan struct{}),
		watchDone: make(chan struct{}),
	}
	go c.watchSilence()
	return c
}

// SID returns the call identifier assigned by the signaling layer.
func (c *Call) SID() string { return c.sid }

// OnAudioFrame ingests one transport frame. Malformed frames are dropped
// (counted, logged) without affecting the session. Frames arriving after
// disconnect are ignored.
func (c *Call) OnAudioFrame(payload string) error {
	if c.closed.Load() {
		return nil
	}

	pcm, err := audio.DecodeFrame(payload)
	if err != nil {
		c.metrics.DroppedFrames.Inc()
		c.log.Debug("dropping undecodable frame", "err", err)
		return err
	}

	chunkBytes := audio.BytesForDuration(int(c.settings.ChunkThreshold.Milliseconds()), c.settings.InputSampleRate)
	maxBytes := audio.BytesForDuration(int(c.settings.MaxBuffer.Milliseconds()), c.settings.InputSampleRate)

	c.mu.Lock()
	c.buf = append(c.buf, pcm...)
	if c.detector != nil && c.detector.DetectFrame(pcm) {
		c.lastVoice = time.Now()
	}
	buffered := len(c.buf)
	overCap := buffered >= maxBytes
	if overCap && c.processing.Load() {
		// A turn is already draining the previous utterance; keep only the
		// newest audio so per-call memory stays bounded.
		trimmed := make([]byte, maxBytes)
		copy(trimmed, c.buf[buffered-maxBytes:])
		c.buf = trimmed
		overCap = false
	}
	if overCap {
		// Forced flush also resets the voice timestamp so the silence
		// trigger re-arms on fresh speech only.
		c.lastVoice = time.Time{}
	}
	c.mu.Unlock()

	switch {
	case overCap:
		c.scheduleTurn(TriggerMaxBuffer)
	case buffered >= chunkBytes:
		c.scheduleTurn(TriggerChunk)
	}
	return nil
}

// OnStreamStop flushes whatever is buffered into a final awaited turn. There
// is no minimum-size requirement on this path.
func (c *Call) OnStreamStop(ctx context.Context) {
	if c.closed.Load() {
		return
	}
	c.runTurn(ctx, TriggerStop)
}

// OnDisconnect drains any remaining audio into one last turn and shuts the
// session down. No new turn can start once disconnect is observed. Safe to
// call more than once.
func (c *Call) OnDisconnect(ctx context.Context) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopWatch)
	<-c.watchDone
	c.runTurn(ctx, TriggerDisconnect)
	c.turns.Wait()
}

// History returns a copy of the conversation history accumulated so far.
func (c *Call) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// BufferedBytes reports how much un-flushed PCM is currently held.
func (c *Call) BufferedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// scheduleTurn fires a detached turn execution. The processing flag is only a
// scheduling hint to avoid goroutine pileup; turnMu is the actual guard.
func (c *Call) scheduleTurn(trigger Trigger) {
	if c.closed.Load() {
		return
	}
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		c.runTurn(context.Background(), trigger)
	}()
}

// runTurn executes one complete turn under the single-flight guard:
// resample -> transcribe -> stream reply -> chunked synthesis/playback ->
// history commit. Every failure inside recovers locally; the guard and the
// processing flag are always released.
func (c *Call) runTurn(ctx context.Context, trigger Trigger) {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	c.processing.Store(true)
	defer c.processing.Store(false)

	// Snapshot and clear the buffer up front so new audio keeps accumulating
	// while this turn is in flight.
	c.mu.Lock()
	buf := c.buf
	c.buf = nil
	c.mu.Unlock()

	if len(buf) == 0 {
		return
	}

	started := time.Now()
	c.metrics.Turns.WithLabelValues(string(trigger)).Inc()
	defer func() {
		c.metrics.ObserveTurnDuration(time.Since(started))
	}()

	pcm := audio.ResampleMono16(buf, c.settings.InputSampleRate, c.settings.TranscribeSampleRate)
	wav := audio.EncodeWAVPCM16LE(pcm, c.settings.TranscribeSampleRate)

	tctx, cancel := context.WithTimeout(ctx, c.settings.TranscribeTimeout)
	transcript, err := c.clients.Transcriber.Transcribe(tctx, wav)
	cancel()
	if err != nil {
		c.metrics.ProviderErrors.WithLabelValues("asr", "transcribe").Inc()
		c.log.Warn("transcription failed, aborting turn", "trigger", trigger, "err", err)
		return
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return
	}
	c.log.Info("transcribed utterance", "trigger", trigger, "text", transcript)

	history := c.appendHistory(RoleUser, transcript)

	gctx, gcancel := context.WithTimeout(ctx, c.settings.GenerateTimeout)
	defer gcancel()
	deltas, err := c.clients.Replies.StreamReply(gctx, history)
	if err != nil {
		c.metrics.ProviderErrors.WithLabelValues("llm", "stream_start").Inc()
		c.log.Warn("reply generation rejected, speaking fallback", "err", err)
		c.speak(ctx, fallbackReply, started, new(bool))
		return
	}

	var reply, pending strings.Builder
	firstClipSent := false
	for d := range deltas {
		if d.Err != nil {
			c.metrics.ProviderErrors.WithLabelValues("llm", "stream").Inc()
			c.log.Warn("reply stream ended with error, keeping committed text", "err", d.Err)
			break
		}
		if d.Text == "" {
			continue
		}
		reply.WriteString(d.Text)
		pending.WriteString(d.Text)
		if chunkReady(pending.String(), c.settings.MinWordsPerChunk) {
			c.speak(ctx, pending.String(), started, &firstClipSent)
			pending.Reset()
		}
	}
	if strings.TrimSpace(pending.String()) != "" {
		c.speak(ctx, pending.String(), started, &firstClipSent)
	}

	full := reply.String()
	if strings.TrimSpace(full) == "" {
		c.log.Warn("reply stream produced no text")
		return
	}
	c.appendHistory(RoleAssistant, full)
	c.log.Info("turn complete", "trigger", trigger, "reply_len", len(full))
}

// chunkReady reports whether pending holds enough complete words to hand to
// synthesis. The trailing word only counts once whitespace closes it, since
// the next delta may still extend it; a strictly larger count means at least
// minWords words are already complete.
func chunkReady(pending string, minWords int) bool {
	n := len(strings.Fields(pending))
	if n > minWords {
		return true
	}
	return n == minWords && len(pending) > 0 && unicode.IsSpace(rune(pending[len(pending)-1]))
}

// speak synthesizes one reply chunk and dispatches it into the call. Chunks
// are sent strictly in the order their text was produced; a failed chunk is
// logged and skipped (the caller hears silence there), never fatal.
func (c *Call) speak(ctx context.Context, text string, turnStarted time.Time, firstClipSent *bool) {
	sctx, cancel := context.WithTimeout(ctx, c.settings.SynthesizeTimeout)
	assetURL, err := c.clients.Synth.Synthesize(sctx, text)
	cancel()
	if err != nil {
		c.metrics.ProviderErrors.WithLabelValues("tts", "synthesize").Inc()
		c.log.Warn("synthesis failed, dropping chunk", "err", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, c.settings.PlaybackTimeout)
	err = c.clients.Playback.Play(pctx, c.sid, assetURL)
	cancel()
	if err != nil {
		c.metrics.ProviderErrors.WithLabelValues("playback", "play").Inc()
		c.log.Warn("playback dispatch failed, dropping chunk", "err", err)
		return
	}

	if !*firstClipSent {
		*firstClipSent = true
		c.metrics.ObserveFirstAudioLatency(time.Since(turnStarted))
	}
}

// appendHistory records one entry in the in-process history and mirrors it to
// the transcript store best-effort. It returns a snapshot of the history
// including the new entry.
func (c *Call) appendHistory(role, content string) []Message {
	c.mu.Lock()
	c.history = append(c.history, Message{Role: role, Content: content})
	snapshot := make([]Message, len(c.history))
	copy(snapshot, c.history)
	c.mu.Unlock()

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := c.store.SaveTurn(ctx, memory.TurnRecord{CallSID: c.sid, Role: role, Content: content}); err != nil {
			c.log.Warn("transcript save failed", "err", err)
		}
	}
	return snapshot
}

// watchSilence fires a turn when speech stopped long enough ago while audio
// is still buffered. This gives natural end-of-utterance detection instead of
// waiting for the size threshold.
func (c *Call) watchSilence() {
	defer close(c.watchDone)
	tick := c.settings.SilenceTimeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopWatch:
			return
		case <-ticker.C:
			if c.processing.Load() {
				continue
			}
			c.mu.Lock()
			quietLongEnough := !c.lastVoice.IsZero() && time.Since(c.lastVoice) >= c.settings.SilenceTimeout
			hasAudio := len(c.buf) > 0
			if quietLongEnough {
				c.lastVoice = time.Time{}
			}
			c.mu.Unlock()
			if quietLongEnough && hasAudio {
				c.scheduleTurn(TriggerSilence)
			}
		}
	}
}
