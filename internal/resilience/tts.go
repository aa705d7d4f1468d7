package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/gakuon/pkg/provider/tts"
)

// TTSFailover implements [tts.Provider] with automatic failover across
// multiple speech backends.
//
// Voice IDs are provider-specific, so a fallback backend may not know the
// requested voice. Fallbacks should therefore be instances of the same
// service (e.g. two regions) or be configured with voices of the same name.
type TTSFailover struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFailover)(nil)

// NewTTSFailover creates a [TTSFailover] with primary as the preferred
// backend.
func NewTTSFailover(primary tts.Provider, primaryName string, cfg GroupConfig) *TTSFailover {
	return &TTSFailover{
		group: NewGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFailover) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize converts text to audio using the first healthy backend.
func (f *TTSFailover) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

// ListVoices returns the voices of the first healthy backend. Voices are not
// merged across backends because their IDs are not interchangeable.
func (f *TTSFailover) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Name lists the chain's backends, primary first.
func (f *TTSFailover) Name() string {
	return strings.Join(f.group.Names(), ">")
}
