package config

import (
	"errors"
	"testing"

	"github.com/voxgate/voxgate/pkg/provider/llm"
	llmmock "github.com/voxgate/voxgate/pkg/provider/llm/mock"
	"github.com/voxgate/voxgate/pkg/provider/stt"
	sttmock "github.com/voxgate/voxgate/pkg/provider/stt/mock"
	"github.com/voxgate/voxgate/pkg/provider/tts"
	ttsmock "github.com/voxgate/voxgate/pkg/provider/tts/mock"
)

func TestRegistryCreate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.RegisterLLM("mock", func(LLMConfig) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	r.RegisterSTT("mock", func(SpeechConfig) (stt.Provider, error) {
		return &sttmock.Provider{}, nil
	})
	r.RegisterTTS("mock", func(SpeechConfig) (tts.Provider, error) {
		return &ttsmock.Provider{}, nil
	})

	if _, err := r.CreateLLM(LLMConfig{Provider: "mock"}); err != nil {
		t.Errorf("CreateLLM: %v", err)
	}
	if _, err := r.CreateSTT("mock", SpeechConfig{}); err != nil {
		t.Errorf("CreateSTT: %v", err)
	}
	if _, err := r.CreateTTS("mock", SpeechConfig{}); err != nil {
		t.Errorf("CreateTTS: %v", err)
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	_, err := r.CreateLLM(LLMConfig{Provider: "nope"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
	_, err = r.CreateSTT("nope", SpeechConfig{})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("CreateSTT err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistryFactoryErrorPropagates(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	boom := errors.New("bad credentials")
	r.RegisterTTS("mock", func(SpeechConfig) (tts.Provider, error) {
		return nil, boom
	})

	if _, err := r.CreateTTS("mock", SpeechConfig{}); !errors.Is(err, boom) {
		t.Errorf("CreateTTS err = %v, want factory error", err)
	}
}
