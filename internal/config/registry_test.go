package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/jarvis/internal/config"
	"github.com/MrWong99/jarvis/pkg/audio"
	"github.com/MrWong99/jarvis/pkg/provider/live"
	livemock "github.com/MrWong99/jarvis/pkg/provider/live/mock"
	"github.com/MrWong99/jarvis/pkg/provider/tts"
	ttsmock "github.com/MrWong99/jarvis/pkg/provider/tts/mock"
)

func TestRegistry_Live(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var got config.ProviderEntry
	r.RegisterLive("mock", func(e config.ProviderEntry) (live.Provider, error) {
		got = e
		return &livemock.Provider{ProviderName: "mock"}, nil
	})

	p, err := r.CreateLive(config.ProviderEntry{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "mock" || got.Model != "m1" {
		t.Errorf("factory got %+v, provider %q", got, p.Name())
	}

	_, err = r.CreateLive(config.ProviderEntry{Name: "missing"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_TTS(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	want := audio.Chunk{Data: []byte{0, 0}, SampleRate: 24000, Channels: 1}
	r.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) {
		return &ttsmock.Provider{Result: want}, nil
	})

	p, err := r.CreateTTS(config.ProviderEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunk, err := p.Synthesize(context.Background(), "hello", tts.VoiceProfile{})
	if err != nil || chunk.SampleRate != 24000 {
		t.Errorf("Synthesize = %+v, %v", chunk, err)
	}

	if _, err := r.CreateTTS(config.ProviderEntry{Name: "x"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("boom")
	r.RegisterLive("broken", func(config.ProviderEntry) (live.Provider, error) { return nil, boom })
	if _, err := r.CreateLive(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
