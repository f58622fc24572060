// Package voice defines the speech boundary of the client. Concrete
// speech-to-text and text-to-speech engines are platform services plugged
// in by the embedding app; this package carries the interfaces plus the
// text preparation applied before anything is spoken aloud.
package voice

import (
	"context"
	"strings"
)

// Transcriber converts captured audio into prompt text.
type Transcriber interface {
	// Transcribe blocks until the audio is transcribed or ctx is done.
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Synthesizer reads assistant text aloud.
type Synthesizer interface {
	// Speak blocks until playback finishes or ctx is done.
	Speak(ctx context.Context, text string) error
	// Stop interrupts any playback in progress.
	Stop()
}

// TranscriberFunc adapts a function to the Transcriber interface.
type TranscriberFunc func(ctx context.Context, audio []byte) (string, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f(ctx, audio)
}

const fence = "```"

// StripCodeBlocks removes fenced code blocks from assistant text so a
// synthesizer does not read source code aloud. Each block collapses to a
// short spoken placeholder; inline code spans keep their text with the
// backticks removed. An unterminated fence swallows the rest of the text.
func StripCodeBlocks(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	inBlock := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, fence) {
			if !inBlock {
				b.WriteString("(code omitted)\n")
			}
			inBlock = !inBlock
			continue
		}
		if inBlock {
			continue
		}
		b.WriteString(strings.ReplaceAll(line, "`", ""))
		b.WriteString("\n")
	}

	return strings.TrimSpace(b.String())
}

// SpeakText prepares assistant text and reads it through the synthesizer.
// Text that is nothing but code is skipped entirely.
func SpeakText(ctx context.Context, synth Synthesizer, text string) error {
	spoken := StripCodeBlocks(text)
	if spoken == "" || spoken == "(code omitted)" {
		return nil
	}
	return synth.Speak(ctx, spoken)
}
