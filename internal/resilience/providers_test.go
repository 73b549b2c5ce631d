package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize(t *testing.T) {
	req := tts.Request{Text: "你好。", Voice: "longyingtao_v3", Model: "cosyvoice-v3-flash"}
	primaryAudio := &tts.Audio{PCM: make([]byte, 64), SampleRate: 22050, Channels: 1}
	backupAudio := &tts.Audio{PCM: make([]byte, 64), SampleRate: 24000, Channels: 1}

	t.Run("primary healthy", func(t *testing.T) {
		primary := &ttsmock.Provider{Audio: primaryAudio}
		backup := &ttsmock.Provider{Audio: backupAudio}
		fb := NewTTSFallback(primary, "dashscope", FallbackConfig{})
		fb.AddFallback("openai", backup)

		got, err := fb.Synthesize(context.Background(), req)
		require.NoError(t, err)
		assert.Same(t, primaryAudio, got)
		require.Len(t, primary.SynthesizeCalls, 1)
		assert.Equal(t, req, primary.SynthesizeCalls[0].Request)
		assert.Empty(t, backup.SynthesizeCalls)
	})

	t.Run("backup uses its own voice", func(t *testing.T) {
		primary := &ttsmock.Provider{SynthesizeErr: errors.New("primary down")}
		backup := &ttsmock.Provider{Audio: backupAudio}
		fb := NewTTSFallback(primary, "dashscope", FallbackConfig{})
		fb.AddFallback("openai", backup)

		got, err := fb.Synthesize(context.Background(), req)
		require.NoError(t, err)
		assert.Same(t, backupAudio, got)
		require.Len(t, backup.SynthesizeCalls, 1)
		assert.Equal(t, tts.Request{Text: "你好。"}, backup.SynthesizeCalls[0].Request)
	})

	t.Run("voices fail over", func(t *testing.T) {
		fb := NewTTSFallback(&ttsmock.Provider{ListVoicesErr: errors.New("down")}, "dashscope", FallbackConfig{})
		fb.AddFallback("openai", &ttsmock.Provider{ListVoicesResult: []tts.Voice{{ID: "alloy", Name: "Alloy"}}})

		voices, err := fb.ListVoices(context.Background())
		require.NoError(t, err)
		require.Len(t, voices, 1)
		assert.Equal(t, "alloy", voices[0].ID)
	})
}

func TestSTTFallback_StartStream(t *testing.T) {
	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1}

	primary := &sttmock.Provider{StartStreamErr: errors.New("connection refused")}
	backup := &sttmock.Provider{}
	fb := NewSTTFallback(primary, "dashscope", FallbackConfig{})
	fb.AddFallback("whisper", backup)

	h, err := fb.StartStream(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 1, primary.CallCount())
	require.Len(t, backup.Started(), 1)
	assert.Equal(t, cfg, backup.StartStreamCalls[0].Cfg)
	assert.Equal(t, []string{"dashscope", "whisper"}, fb.Names())
}

func TestLLMFallback(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("rate limited"), StreamErr: errors.New("rate limited")}
	backup := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "好的。"},
		StreamChunks:     []llm.Chunk{{Text: "你"}, {Text: "好", FinishReason: "stop"}},
	}
	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", backup)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "打开灯"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "好的。", resp.Content)
	assert.Len(t, primary.Completes(), 1)
	assert.Equal(t, "打开灯", backup.Completes()[0].Req.Messages[0].Content)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	var text string
	for c := range ch {
		text += c.Text
	}
	assert.Equal(t, "你好", text)
}

func TestProviderFallbacks_AllFail(t *testing.T) {
	ctx := context.Background()

	ttsGroup := NewTTSFallback(&ttsmock.Provider{SynthesizeErr: errors.New("a")}, "a", FallbackConfig{})
	ttsGroup.AddFallback("b", &ttsmock.Provider{SynthesizeErr: errors.New("b")})
	sttGroup := NewSTTFallback(&sttmock.Provider{StartStreamErr: errors.New("a")}, "a", FallbackConfig{})
	sttGroup.AddFallback("b", &sttmock.Provider{StartStreamErr: errors.New("b")})
	llmGroup := NewLLMFallback(&llmmock.Provider{CompleteErr: errors.New("a")}, "a", FallbackConfig{})
	llmGroup.AddFallback("b", &llmmock.Provider{CompleteErr: errors.New("b")})

	calls := map[string]func() error{
		"tts": func() error { _, err := ttsGroup.Synthesize(ctx, tts.Request{Text: "hi"}); return err },
		"stt": func() error { _, err := sttGroup.StartStream(ctx, stt.StreamConfig{}); return err },
		"llm": func() error { _, err := llmGroup.Complete(ctx, llm.CompletionRequest{}); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			require.ErrorIs(t, err, ErrAllFailed)
			assert.ErrorContains(t, err, ": b")
		})
	}
}
