package session

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dpalomar/voxline/internal/memory"
	"github.com/dpalomar/voxline/internal/observability"
)

// promauto registers on the process-global registry, so the test binary gets
// exactly one Metrics instance.
var testMetrics = observability.NewMetrics("voxline_session_test")

type fakeTranscriber struct {
	mu    sync.Mutex
	calls [][]byte
	text  string
	err   error

	entered chan struct{}
	release chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, wav []byte) (string, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxInflight.Load()
		if cur <= max || f.maxInflight.CompareAndSwap(max, cur) {
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, wav)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.text, f.err
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeReplies struct {
	mu     sync.Mutex
	calls  [][]Message
	deltas []Delta
	err    error
}

func (f *fakeReplies) StreamReply(ctx context.Context, history []Message) (<-chan Delta, error) {
	f.mu.Lock()
	cp := make([]Message, len(history))
	copy(cp, history)
	f.calls = append(f.calls, cp)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan Delta, len(f.deltas))
	for _, d := range f.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	errOn map[int]error // 0-based call index -> error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	idx := len(f.texts)
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if err, ok := f.errOn[idx]; ok {
		return "", err
	}
	return "https://example.com/clip.mp3", nil
}

type fakePlayback struct {
	mu   sync.Mutex
	urls []string
	sids []string
}

func (f *fakePlayback) Play(ctx context.Context, callSID, assetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = append(f.sids, callSID)
	f.urls = append(f.urls, assetURL)
	return nil
}

type fixture struct {
	call    *Call
	asr     *fakeTranscriber
	replies *fakeReplies
	synth   *fakeSynth
	play    *fakePlayback
	store   *memory.InMemoryStore
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	f := &fixture{
		asr:     &fakeTranscriber{text: "hello"},
		replies: &fakeReplies{deltas: []Delta{{Text: "Hi"}, {Text: " there"}, {Text: "!"}}},
		synth:   &fakeSynth{},
		play:    &fakePlayback{},
		store:   memory.NewInMemoryStore(),
	}
	clients := Clients{Transcriber: f.asr, Replies: f.replies, Synth: f.synth, Playback: f.play}
	// Sample rate 0 disables the voice detector so the silence trigger
	// cannot interfere with deterministic assertions.
	reg := NewRegistry(settings, clients, f.store, testMetrics, 0, 0, nil)
	call, err := reg.Create("CA-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { call.OnDisconnect(context.Background()) })
	f.call = call
	return f
}

func framePayload(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func quietSettings() Settings {
	return Settings{
		InputSampleRate:      16000,
		TranscribeSampleRate: 16000,
		ChunkThreshold:       800 * time.Millisecond, // 25600 bytes at 16 kHz
		SilenceTimeout:       time.Minute,
		MaxBuffer:            time.Hour,
		MinWordsPerChunk:     2,
	}
}

func TestBelowThresholdNoTurn(t *testing.T) {
	f := newFixture(t, quietSettings())

	if err := f.call.OnAudioFrame(framePayload(4000)); err != nil {
		t.Fatalf("OnAudioFrame: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := f.asr.callCount(); got != 0 {
		t.Fatalf("transcriber called %d times below threshold, want 0", got)
	}
	if got := f.call.BufferedBytes(); got != 4000 {
		t.Fatalf("buffered = %d, want 4000", got)
	}
}

func TestChunkThresholdFiresExactlyOnce(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.asr.entered = make(chan struct{}, 1)
	f.asr.release = make(chan struct{})

	// Six 4000-byte frames stay under the 25600-byte threshold.
	for i := 0; i < 6; i++ {
		if err := f.call.OnAudioFrame(framePayload(4000)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	select {
	case <-f.asr.entered:
		t.Fatal("turn started before threshold")
	case <-time.After(50 * time.Millisecond):
	}

	// The seventh crosses it.
	if err := f.call.OnAudioFrame(framePayload(4000)); err != nil {
		t.Fatalf("frame 7: %v", err)
	}
	select {
	case <-f.asr.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started after crossing threshold")
	}

	// Buffer was claimed atomically at turn start.
	if got := f.call.BufferedBytes(); got != 0 {
		t.Fatalf("buffered during turn = %d, want 0", got)
	}
	close(f.asr.release)

	time.Sleep(50 * time.Millisecond)
	if got := f.asr.callCount(); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1", got)
	}
}

func TestSingleTurnInFlight(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.asr.release = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				f.call.OnAudioFrame(framePayload(4000))
			}
		}()
	}
	// A concurrent awaited flush competes for the same guard.
	stopDone := make(chan struct{})
	go func() {
		f.call.OnStreamStop(context.Background())
		close(stopDone)
	}()

	wg.Wait()
	time.Sleep(100 * time.Millisecond)
	close(f.asr.release)
	<-stopDone

	if got := f.asr.maxInflight.Load(); got > 1 {
		t.Fatalf("max concurrent turn executions = %d, want at most 1", got)
	}
}

func TestStopTurnRoundTrip(t *testing.T) {
	f := newFixture(t, quietSettings())

	// Well under the size threshold; stop flushes regardless.
	if err := f.call.OnAudioFrame(framePayload(1200)); err != nil {
		t.Fatalf("OnAudioFrame: %v", err)
	}
	f.call.OnStreamStop(context.Background())

	if got := f.asr.callCount(); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1", got)
	}
	f.synth.mu.Lock()
	texts := append([]string(nil), f.synth.texts...)
	f.synth.mu.Unlock()
	if len(texts) != 1 || texts[0] != "Hi there!" {
		t.Fatalf("synthesized chunks = %q, want [\"Hi there!\"]", texts)
	}
	f.play.mu.Lock()
	plays := len(f.play.urls)
	sid := ""
	if plays > 0 {
		sid = f.play.sids[0]
	}
	f.play.mu.Unlock()
	if plays != 1 || sid != "CA-test" {
		t.Fatalf("playback calls = %d (sid %q), want 1 for CA-test", plays, sid)
	}

	hist := f.call.History()
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Role != RoleUser || hist[0].Content != "hello" {
		t.Fatalf("history[0] = %+v, want user/hello", hist[0])
	}
	if hist[1].Role != RoleAssistant || hist[1].Content != "Hi there!" {
		t.Fatalf("history[1] = %+v, want assistant/Hi there!", hist[1])
	}

	// The transcript store saw both entries in order.
	turns, err := f.store.RecentTurns(context.Background(), "CA-test", 10)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != RoleUser || turns[1].Role != RoleAssistant {
		t.Fatalf("stored turns = %+v, want user then assistant", turns)
	}
}

func TestChunkingSplitsOnWordCount(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.replies.deltas = []Delta{
		{Text: "one two "}, {Text: "three"}, {Text: " four five"}, {Text: " six"},
	}

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())

	f.synth.mu.Lock()
	texts := append([]string(nil), f.synth.texts...)
	f.synth.mu.Unlock()
	if len(texts) != 3 {
		t.Fatalf("synthesized chunks = %q, want 3 chunks", texts)
	}
	if joined := strings.Join(texts, ""); joined != "one two three four five six" {
		t.Fatalf("joined chunks = %q", joined)
	}
	hist := f.call.History()
	if hist[len(hist)-1].Content != "one two three four five six" {
		t.Fatalf("committed reply = %q", hist[len(hist)-1].Content)
	}
}

func TestChunkingWaitsForWordBoundary(t *testing.T) {
	f := newFixture(t, quietSettings())
	// The word count hits the minimum mid-word; the tail of "there!" arrives
	// in later deltas and must not be cut off.
	f.replies.deltas = []Delta{{Text: "Hi the"}, {Text: "re"}, {Text: "!"}}

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())

	f.synth.mu.Lock()
	texts := append([]string(nil), f.synth.texts...)
	f.synth.mu.Unlock()
	if len(texts) != 1 || texts[0] != "Hi there!" {
		t.Fatalf("synthesized chunks = %q, want [\"Hi there!\"]", texts)
	}
}

func TestTranscriptionErrorAbortsSilently(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.asr.err = errors.New("asr down")

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())

	f.replies.mu.Lock()
	replyCalls := len(f.replies.calls)
	f.replies.mu.Unlock()
	if replyCalls != 0 {
		t.Fatalf("reply streamer called %d times after failed transcription, want 0", replyCalls)
	}
	if got := len(f.call.History()); got != 0 {
		t.Fatalf("history length = %d, want 0", got)
	}

	// The session keeps working afterwards.
	f.asr.err = nil
	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())
	if got := len(f.call.History()); got != 2 {
		t.Fatalf("history after recovery = %d, want 2", got)
	}
}

func TestEmptyTranscriptSkipsReply(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.asr.text = "   "

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())

	f.replies.mu.Lock()
	replyCalls := len(f.replies.calls)
	f.replies.mu.Unlock()
	if replyCalls != 0 {
		t.Fatalf("reply streamer called for empty transcript")
	}
}

func TestGenerationErrorSpeaksFallback(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.replies.err = errors.New("llm rejected")

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())

	f.synth.mu.Lock()
	texts := append([]string(nil), f.synth.texts...)
	f.synth.mu.Unlock()
	if len(texts) != 1 || texts[0] != fallbackReply {
		t.Fatalf("synthesized = %q, want the fallback notice", texts)
	}

	// The fallback is spoken but never committed to history.
	hist := f.call.History()
	if len(hist) != 1 || hist[0].Role != RoleUser {
		t.Fatalf("history = %+v, want only the user entry", hist)
	}
}

func TestSynthesisFailureDropsChunkOnly(t *testing.T) {
	f := newFixture(t, quietSettings())
	f.replies.deltas = []Delta{{Text: "one two "}, {Text: "three four"}}
	f.synth.errOn = map[int]error{0: errors.New("tts down")}

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())

	f.play.mu.Lock()
	plays := append([]string(nil), f.play.urls...)
	f.play.mu.Unlock()
	if len(plays) != 1 {
		t.Fatalf("playback calls = %d, want 1 (failed chunk dropped)", len(plays))
	}

	// The full reply is still committed even though a chunk was dropped.
	hist := f.call.History()
	if hist[len(hist)-1].Content != "one two three four" {
		t.Fatalf("committed reply = %q, want full text", hist[len(hist)-1].Content)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	f := newFixture(t, quietSettings())

	if err := f.call.OnAudioFrame("not base64!!"); err == nil {
		t.Fatal("expected decode error")
	}
	if got := f.call.BufferedBytes(); got != 0 {
		t.Fatalf("buffered = %d after malformed frame, want 0", got)
	}

	// A good frame right after still lands.
	if err := f.call.OnAudioFrame(framePayload(1200)); err != nil {
		t.Fatalf("OnAudioFrame after malformed: %v", err)
	}
	if got := f.call.BufferedBytes(); got != 1200 {
		t.Fatalf("buffered = %d, want 1200", got)
	}
}

func TestSilenceTimeoutFlushes(t *testing.T) {
	settings := quietSettings()
	settings.SilenceTimeout = 80 * time.Millisecond

	f := &fixture{
		asr:     &fakeTranscriber{text: "hello"},
		replies: &fakeReplies{deltas: []Delta{{Text: "Hi there friend"}}},
		synth:   &fakeSynth{},
		play:    &fakePlayback{},
		store:   memory.NewInMemoryStore(),
	}
	clients := Clients{Transcriber: f.asr, Replies: f.replies, Synth: f.synth, Playback: f.play}
	// A lax detector at 8 kHz so the sine frames register as voice.
	reg := NewRegistry(settings, clients, f.store, testMetrics, 16000, 0, nil)
	call, err := reg.Create("CA-silence")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer call.OnDisconnect(context.Background())

	// One loud 30 ms frame (960 bytes at 16 kHz) marks voice activity, then
	// the line goes quiet.
	frame := make([]byte, 960)
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x00
		frame[i+1] = 0x40 // 0x4000 amplitude, well above every threshold
	}
	if err := call.OnAudioFrame(base64.StdEncoding.EncodeToString(frame)); err != nil {
		t.Fatalf("OnAudioFrame: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for f.asr.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("silence timeout never flushed the buffer")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSilenceTimeoutWithTelephonyFrames(t *testing.T) {
	settings := quietSettings()
	settings.InputSampleRate = 8000
	settings.SilenceTimeout = 80 * time.Millisecond

	f := &fixture{
		asr:     &fakeTranscriber{text: "hola"},
		replies: &fakeReplies{deltas: []Delta{{Text: "Hola, dime"}}},
		synth:   &fakeSynth{},
		play:    &fakePlayback{},
		store:   memory.NewInMemoryStore(),
	}
	clients := Clients{Transcriber: f.asr, Replies: f.replies, Synth: f.synth, Playback: f.play}
	reg := NewRegistry(settings, clients, f.store, testMetrics, 8000, 0, nil)
	call, err := reg.Create("CA-telephony")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer call.OnDisconnect(context.Background())

	// 20 ms at 8 kHz PCM16 is 320 bytes, the frame size the telephony layer
	// actually delivers. Loud samples must register as voice activity even
	// though the frame is smaller than the widest analysis window.
	frame := make([]byte, 320)
	for i := 0; i < len(frame); i += 2 {
		frame[i] = 0x00
		frame[i+1] = 0x40
	}
	payload := base64.StdEncoding.EncodeToString(frame)
	for i := 0; i < 10; i++ {
		if err := call.OnAudioFrame(payload); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for f.asr.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("silence timeout never flushed 20 ms frames")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDisconnectFlushesAndStopsIngest(t *testing.T) {
	f := newFixture(t, quietSettings())

	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnDisconnect(context.Background())

	if got := f.asr.callCount(); got != 1 {
		t.Fatalf("transcriber calls = %d, want 1 (final flush)", got)
	}

	// Frames and stops after disconnect are ignored.
	f.call.OnAudioFrame(framePayload(1200))
	f.call.OnStreamStop(context.Background())
	f.call.OnDisconnect(context.Background())
	if got := f.asr.callCount(); got != 1 {
		t.Fatalf("transcriber calls after disconnect = %d, want 1", got)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	clients := Clients{
		Transcriber: &fakeTranscriber{},
		Replies:     &fakeReplies{},
		Synth:       &fakeSynth{},
		Playback:    &fakePlayback{},
	}
	reg := NewRegistry(quietSettings(), clients, memory.NewInMemoryStore(), testMetrics, 0, 0, nil)

	c, err := reg.Create("CA-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer c.OnDisconnect(context.Background())

	if _, err := reg.Create("CA-1"); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("duplicate Create err = %v, want ErrDuplicateSession", err)
	}
	if got, err := reg.Get("CA-1"); err != nil || got != c {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := reg.Get("CA-none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get unknown err = %v, want ErrNotFound", err)
	}
	if got := reg.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}

	reg.Remove("CA-1")
	reg.Remove("CA-1") // second remove is a no-op
	if got := reg.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount after remove = %d, want 0", got)
	}
	if _, err := reg.Create("CA-1"); err != nil {
		t.Fatalf("re-Create after remove: %v", err)
	}
}
