package endpoint_test

import (
	"testing"

	"github.com/voxgate/voxgate/internal/endpoint"
	"github.com/voxgate/voxgate/pkg/provider/stt"
)

func TestUtterance(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		events []stt.TranscriptEvent
		want   string
	}{
		{
			name: "same sentence replaces",
			events: []stt.TranscriptEvent{
				{SentenceID: "0", Text: "hey"},
				{SentenceID: "0", Text: "hey vox"},
				{SentenceID: "0", Text: "hey voxgate"},
			},
			want: "hey voxgate",
		},
		{
			name: "new id flushes prior",
			events: []stt.TranscriptEvent{
				{SentenceID: "0", Text: "hey voxgate"},
				{SentenceID: "1200", Text: "what time"},
				{SentenceID: "1200", Text: "what time is it", IsFinal: true},
			},
			want: "hey voxgate what time is it",
		},
		{
			name: "final closes sentence and same id starts anew",
			events: []stt.TranscriptEvent{
				{SentenceID: "0", Text: "one", IsFinal: true},
				{SentenceID: "0", Text: "two", IsFinal: true},
			},
			want: "one two",
		},
		{
			name: "cjk joins without spaces",
			events: []stt.TranscriptEvent{
				{SentenceID: "0", Text: "小助手。", IsFinal: true},
				{SentenceID: "800", Text: "今天天气怎么样？"},
			},
			want: "小助手。今天天气怎么样？",
		},
		{
			name: "empty hypotheses dropped",
			events: []stt.TranscriptEvent{
				{SentenceID: "0", Text: "  ", IsFinal: true},
			},
			want: "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var u endpoint.Utterance
			for _, ev := range tc.events {
				u.Add(ev)
			}
			if got := u.Text(); got != tc.want {
				t.Errorf("Text() = %q, want %q", got, tc.want)
			}
			if got := u.Complete(); got != tc.want {
				t.Errorf("Complete() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUtterance_ImmutableAfterComplete(t *testing.T) {
	t.Parallel()
	var u endpoint.Utterance
	u.Add(stt.TranscriptEvent{SentenceID: "0", Text: "hello"})
	if got := u.Complete(); got != "hello" {
		t.Fatalf("Complete = %q", got)
	}
	if u.Add(stt.TranscriptEvent{SentenceID: "1", Text: "late", IsFinal: true}) {
		t.Error("Add after Complete reported true")
	}
	if got := u.Complete(); got != "hello" {
		t.Errorf("second Complete = %q", got)
	}
	if !u.Done() {
		t.Error("Done = false")
	}
}
