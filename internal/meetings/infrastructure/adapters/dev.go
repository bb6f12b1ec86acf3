// Package adapters connects the pipeline to speech-to-text and machine
// translation engines: HTTP APIs, go-plugin binaries and deterministic
// development stand-ins, each behind a circuit breaker.
package adapters

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/felixgeelhaar/interpreta/internal/meetings/domain"
)

// EchoTranscriber treats the audio payload as UTF-8 text. It lets a local
// client exercise the whole path by sending text as audio.
type EchoTranscriber struct{}

func (EchoTranscriber) Transcribe(_ context.Context, audio []byte, _ string) (string, error) {
	if !utf8.Valid(audio) {
		return "", fmt.Errorf("echo transcriber needs utf-8 audio: %w", domain.ErrAdapterFailure)
	}
	return strings.TrimSpace(string(audio)), nil
}

// TaggingTranslator prefixes the text with the target language, as in
// "[fr] hello".
type TaggingTranslator struct{}

func (TaggingTranslator) Translate(_ context.Context, text, _, target string) (string, error) {
	return "[" + target + "] " + text, nil
}
