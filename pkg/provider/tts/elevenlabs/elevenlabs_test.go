package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/voxgate/pkg/provider/tts"
)

// fakeAPI serves /v1/voices and an in-process stream-input endpoint that
// replies with the configured chunks once it has read the three client frames.
type fakeAPI struct {
	chunks [][]byte
	errMsg string

	mu    sync.Mutex
	urls  []string
	input []inputMessage
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/v1/voices" {
		if r.Header.Get("xi-api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[{"voice_id":"abc123","name":"Rachel","category":"premade","labels":{"gender":"female","language":"en"}}]}`))
		return
	}

	f.mu.Lock()
	f.urls = append(f.urls, r.URL.String())
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()

	for range 3 {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var m inputMessage
		_ = json.Unmarshal(data, &m)
		f.mu.Lock()
		f.input = append(f.input, m)
		f.mu.Unlock()
	}

	reply := func(r streamReply) {
		b, _ := json.Marshal(r)
		_ = conn.Write(ctx, websocket.MessageText, b)
	}
	if f.errMsg != "" {
		reply(streamReply{Error: f.errMsg})
		return
	}
	for _, c := range f.chunks {
		reply(streamReply{Audio: base64.StdEncoding.EncodeToString(c)})
	}
	reply(streamReply{IsFinal: true})
	_, _, _ = conn.Read(ctx)
}

func (f *fakeAPI) recorded() ([]string, []inputMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...), append([]inputMessage(nil), f.input...)
}

func startProvider(t *testing.T, f *fakeAPI, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	p, err := New("key", append([]Option{WithBaseURLs("ws"+strings.TrimPrefix(srv.URL, "http"), srv.URL)}, opts...)...)
	require.NoError(t, err)
	return p
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New("")
	assert.ErrorContains(t, err, "api key is required")

	p, err := New("key")
	require.NoError(t, err)
	assert.Equal(t, defaultModel, p.model)
	assert.Equal(t, defaultVoice, p.voice)
	assert.Equal(t, 16000, p.sampleRate)

	p, err = New("key", WithOutputFormat("pcm_24000"))
	require.NoError(t, err)
	assert.Equal(t, 24000, p.sampleRate)

	for _, format := range []string{"mp3_44100_128", "pcm_", "pcm_-1"} {
		_, err := New("key", WithOutputFormat(format))
		assert.Error(t, err, format)
	}
}

func TestSynthesize_GathersChunks(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{chunks: [][]byte{{1, 0, 2, 0}, {3, 0}}}
	p := startProvider(t, f, WithVoice("v-default"))

	a, err := p.Synthesize(testContext(t), tts.Request{Text: "Hello there."})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0, 3, 0}, a.PCM)
	assert.Equal(t, 16000, a.SampleRate)
	assert.Equal(t, 1, a.Channels)

	urls, input := f.recorded()
	require.Len(t, urls, 1)
	assert.Contains(t, urls[0], "/v1/text-to-speech/v-default/stream-input")
	assert.Contains(t, urls[0], "model_id="+defaultModel)
	assert.Contains(t, urls[0], "output_format=pcm_16000")

	require.Len(t, input, 3)
	assert.Equal(t, "key", input[0].APIKey)
	require.NotNil(t, input[0].VoiceSettings)
	assert.Equal(t, 0.5, input[0].VoiceSettings.Stability)
	assert.Equal(t, "Hello there. ", input[1].Text)
	assert.True(t, input[1].Trigger)
	assert.Empty(t, input[1].APIKey)
	assert.Equal(t, inputMessage{}, input[2])
}

func TestSynthesize_RequestOverridesVoiceAndModel(t *testing.T) {
	t.Parallel()
	f := &fakeAPI{chunks: [][]byte{{0, 0}}}
	p := startProvider(t, f)

	_, err := p.Synthesize(testContext(t), tts.Request{Text: "hi", Voice: "other", Model: "eleven_multilingual_v2"})
	require.NoError(t, err)

	urls, _ := f.recorded()
	require.Len(t, urls, 1)
	assert.Contains(t, urls[0], "/other/")
	assert.Contains(t, urls[0], "model_id=eleven_multilingual_v2")
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()

	t.Run("server error", func(t *testing.T) {
		t.Parallel()
		p := startProvider(t, &fakeAPI{errMsg: "quota exceeded"})
		_, err := p.Synthesize(testContext(t), tts.Request{Text: "hi"})
		assert.ErrorContains(t, err, "quota exceeded")
	})

	t.Run("no audio", func(t *testing.T) {
		t.Parallel()
		p := startProvider(t, &fakeAPI{})
		_, err := p.Synthesize(testContext(t), tts.Request{Text: "hi"})
		assert.ErrorContains(t, err, "without audio")
	})

	t.Run("blank text", func(t *testing.T) {
		t.Parallel()
		p, err := New("key")
		require.NoError(t, err)
		_, err = p.Synthesize(context.Background(), tts.Request{Text: "  "})
		assert.ErrorIs(t, err, tts.ErrEmptyText)
	})
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	p := startProvider(t, &fakeAPI{})

	voices, err := p.ListVoices(testContext(t))
	require.NoError(t, err)
	require.Len(t, voices, 1)
	assert.Equal(t, tts.Voice{
		ID:       "abc123",
		Name:     "Rachel",
		Provider: "elevenlabs",
		Language: "en",
		Metadata: map[string]string{"category": "premade", "gender": "female", "language": "en"},
	}, voices[0])
}

func TestListVoices_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeAPI{})
	t.Cleanup(srv.Close)
	p, err := New("wrong", WithBaseURLs("ws://unused", srv.URL))
	require.NoError(t, err)

	_, err = p.ListVoices(testContext(t))
	assert.ErrorContains(t, err, "401")
}

func TestProfiles_NoLabels(t *testing.T) {
	t.Parallel()
	var vr voicesResponse
	require.NoError(t, json.Unmarshal([]byte(`{"voices":[{"voice_id":"x1","name":"Ghost","category":"","labels":null}]}`), &vr))

	got := vr.profiles()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Metadata)
	assert.NotNil(t, got[0].Metadata)
}
