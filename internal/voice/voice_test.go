package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeBlocks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain text untouched",
			in:   "Here is the plan.",
			want: "Here is the plan.",
		},
		{
			name: "fenced block collapses",
			in:   "Change the handler:\n```go\nfunc main() {}\n```\nThen run the tests.",
			want: "Change the handler:\n(code omitted)\nThen run the tests.",
		},
		{
			name: "multiple blocks",
			in:   "First:\n```\na\n```\nSecond:\n```\nb\n```",
			want: "First:\n(code omitted)\nSecond:\n(code omitted)",
		},
		{
			name: "inline code keeps its text",
			in:   "Run `go test` in the `internal` package.",
			want: "Run go test in the internal package.",
		},
		{
			name: "unterminated fence swallows the rest",
			in:   "Before\n```python\nprint('hi')\nstill code",
			want: "Before\n(code omitted)",
		},
		{
			name: "fence with language tag",
			in:   "```rust\nfn main() {}\n```",
			want: "(code omitted)",
		},
		{
			name: "indented fence",
			in:   "Look:\n  ```\n  code\n  ```\nDone.",
			want: "Look:\n(code omitted)\nDone.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripCodeBlocks(tt.in))
		})
	}
}

type recordingSynth struct {
	spoken []string
}

func (r *recordingSynth) Speak(ctx context.Context, text string) error {
	r.spoken = append(r.spoken, text)
	return nil
}

func (r *recordingSynth) Stop() {}

func TestSpeakTextSkipsPureCode(t *testing.T) {
	synth := &recordingSynth{}

	require.NoError(t, SpeakText(context.Background(), synth, "```\nonly code\n```"))
	assert.Empty(t, synth.spoken, "pure code responses are not spoken")

	require.NoError(t, SpeakText(context.Background(), synth, "Done, see below.\n```\nx\n```"))
	require.Len(t, synth.spoken, 1)
	assert.Equal(t, "Done, see below.\n(code omitted)", synth.spoken[0])
}

func TestTranscriberFunc(t *testing.T) {
	tr := TranscriberFunc(func(ctx context.Context, audio []byte) (string, error) {
		return "hello world", nil
	})
	text, err := tr.Transcribe(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}
