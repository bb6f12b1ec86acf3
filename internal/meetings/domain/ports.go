package domain

import "context"

// Transcriber turns audio into text in the given locale. An empty result
// means nothing was said.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, locale string) (string, error)
}

// Translator renders text from source into target.
type Translator interface {
	Translate(ctx context.Context, text, source, target string) (string, error)
}
