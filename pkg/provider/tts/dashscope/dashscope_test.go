package dashscope_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voxgate/voxgate/pkg/provider/tts"
	"github.com/voxgate/voxgate/pkg/provider/tts/dashscope"
)

func newServer(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL + "/api/v1/tts"
}

func TestSynthesize(t *testing.T) {
	t.Parallel()
	pcm := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	var got map[string]string
	base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tts/synthesize" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintf(w, `{"success":true,"audio":%q,"format":"pcm_22050hz_mono_16bit","sample_rate":22050,"channels":1,"sample_width":2}`,
			base64.StdEncoding.EncodeToString(pcm))
	})

	p, err := dashscope.New(base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a, err := p.Synthesize(context.Background(), tts.Request{Text: "你好。"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(a.PCM) != string(pcm) || a.SampleRate != 22050 || a.Channels != 1 {
		t.Errorf("audio = %+v", a)
	}
	if got["text"] != "你好。" || got["model"] != "cosyvoice-v3-flash" || got["voice"] != "longyingtao_v3" {
		t.Errorf("request body = %v", got)
	}
}

func TestSynthesize_RequestOverrides(t *testing.T) {
	t.Parallel()
	var got map[string]string
	base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprint(w, `{"success":true,"audio":"AAA=","sample_rate":16000,"channels":1,"sample_width":2}`)
	})
	p, _ := dashscope.New(base, dashscope.WithVoice("zhichu_v3"))
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi", Model: "cosyvoice-v2"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got["voice"] != "zhichu_v3" || got["model"] != "cosyvoice-v2" {
		t.Errorf("request body = %v", got)
	}
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"status 500", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"success false", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"success":false,"error":"bad voice"}`)
		}},
		{"bad base64", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"success":true,"audio":"!!!"}`)
		}},
		{"sample width", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{"success":true,"audio":"AAA=","sample_width":3}`)
		}},
		{"malformed json", func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, `{`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, _ := dashscope.New(newServer(t, tt.h))
			if _, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()
	p, _ := dashscope.New("http://unused")
	if _, err := p.Synthesize(context.Background(), tts.Request{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Fatalf("err = %v, want ErrEmptyText", err)
	}
}

func TestSynthesize_Stream(t *testing.T) {
	t.Parallel()
	base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tts/synthesize-stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString([]byte{1, 0}))
		fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString([]byte{2, 0, 3, 0}))
	})
	p, _ := dashscope.New(base, dashscope.WithStreaming(true))
	a, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(a.PCM) != string([]byte{1, 0, 2, 0, 3, 0}) || a.SampleRate != 22050 {
		t.Errorf("audio = %+v", a)
	}
}

func TestSynthesize_StreamError(t *testing.T) {
	t.Parallel()
	base := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString([]byte{1, 0}))
		fmt.Fprint(w, "event: error\ndata: synthesis interrupted\n\n")
	})
	p, _ := dashscope.New(base, dashscope.WithStreaming(true))
	_, err := p.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "synthesis interrupted") {
		t.Fatalf("err = %v", err)
	}
}

func TestListVoices(t *testing.T) {
	t.Parallel()
	base := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/tts/voices" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"voices":[{"id":"zhishuo_v3","name":"知硕","language":"zh-CN","gender":"male"}]}`)
	})
	p, _ := dashscope.New(base)
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "zhishuo_v3" || voices[0].Metadata["gender"] != "male" {
		t.Errorf("voices = %+v", voices)
	}
}

func TestListVoices_FallsBackToPresets(t *testing.T) {
	t.Parallel()
	base := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	p, _ := dashscope.New(base)
	voices, err := p.ListVoices(context.Background())
	if err == nil {
		t.Fatal("expected error alongside presets")
	}
	if len(voices) != 8 || voices[0].ID != "longyingtao_v3" {
		t.Errorf("voices = %+v", voices)
	}
}
