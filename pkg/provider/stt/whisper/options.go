package whisper

import (
	"net/http"
	"time"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the normalised RMS below which a chunk counts as
	// silence when splitting sentences (about 300 in 16-bit PCM units).
	defaultRMSThreshold = 0.01

	defaultLanguage   = "en"
	defaultSampleRate = 16000
	defaultSilence    = 500 * time.Millisecond
	defaultMaxBuffer  = 10 * time.Second
)

// settings are shared by the server-backed and in-process providers.
type settings struct {
	model      string
	language   string
	sampleRate int
	seg        segmentation
	httpClient *http.Client
}

func newSettings(opts []Option) settings {
	s := settings{
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		seg: segmentation{
			threshold:         defaultRMSThreshold,
			silenceMs:         int(defaultSilence / time.Millisecond),
			maxBufferDuration: defaultMaxBuffer,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Option configures either provider. Options that only make sense for one
// of them are ignored by the other.
type Option func(*settings)

// WithModel names the model the whisper server should use. The in-process
// provider loads its model from a path instead and ignores this.
func WithModel(model string) Option { return func(s *settings) { s.model = model } }

// WithLanguage sets the recognition language used when the stream config
// has none. Defaults to "en".
func WithLanguage(lang string) Option { return func(s *settings) { s.language = lang } }

// WithSampleRate sets the rate assumed when the stream config leaves it zero.
func WithSampleRate(rate int) Option { return func(s *settings) { s.sampleRate = rate } }

// WithSilenceThresholdMs sets the pause length that ends a sentence.
func WithSilenceThresholdMs(ms int) Option { return func(s *settings) { s.seg.silenceMs = ms } }

// WithMaxBufferDurationMs caps how much audio a sentence may collect before
// it is transcribed anyway.
func WithMaxBufferDurationMs(ms int) Option {
	return func(s *settings) { s.seg.maxBufferDuration = time.Duration(ms) * time.Millisecond }
}

// WithHTTPClient sets the client used for inference requests.
func WithHTTPClient(c *http.Client) Option { return func(s *settings) { s.httpClient = c } }

// format resolves the stream's PCM layout and language against the defaults.
func (s settings) format(cfg stt.StreamConfig) (audio.Format, string) {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = s.sampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	if cfg.Language != "" {
		return f, cfg.Language
	}
	return f, s.language
}
