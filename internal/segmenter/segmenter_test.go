package segmenter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmenter_Scenario6_AbbreviationDoesNotTerminate(t *testing.T) {
	s := New("session-1")
	var chunks []SentenceChunk
	chunks = append(chunks, s.Feed("Hello Dr. Smith. ")...)
	chunks = append(chunks, s.Feed("How are you?")...)
	chunks = append(chunks, s.Finalize()...)

	require.Len(t, chunks, 1)
	assert.Equal(t, "Hello Dr. Smith. How are you?", chunks[0].Text)
	assert.Equal(t, PositionLast, chunks[0].Position)
}

func TestSegmenter_EmitsFirstChunkBeforeFinalizeWhenLongEnough(t *testing.T) {
	s := New("session-1")
	// First sentence alone is well over 20 chars and properly terminated.
	chunks := s.Feed("This is the first complete sentence. And here comes more text that follows it.")
	require.NotEmpty(t, chunks)
	assert.Equal(t, "This is the first complete sentence.", chunks[0].Text)
	assert.Equal(t, PositionFirst, chunks[0].Position)
}

func TestSegmenter_ShortSentenceBelowMinAccumulatesIntoNext(t *testing.T) {
	s := New("session-1")
	// "Hi." is far under 20 chars; it must merge forward until a boundary
	// that clears the minimum is found.
	chunks := s.Feed("Hi. There is more conversation happening right now. Indeed.")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Hi. There is more conversation happening right now.", chunks[0].Text)
}

func TestSegmenter_Finalize_EmitsTrailingTailAboveMinLength(t *testing.T) {
	s := New("session-1")
	s.Feed("No terminal punctuation yet but this is long enough to emit")
	chunks := s.Finalize()
	require.Len(t, chunks, 1)
	assert.Equal(t, PositionLast, chunks[0].Position)
}

func TestSegmenter_Finalize_DropsTailBelowMinLength(t *testing.T) {
	s := New("session-1")
	s.Feed("too short")
	chunks := s.Finalize()
	assert.Empty(t, chunks)
}

func TestSegmenter_Finalize_IsIdempotent_P7(t *testing.T) {
	s := New("session-1")
	s.Feed("This sentence is long enough to finalize on its own merit.")
	first := s.Finalize()
	require.NotEmpty(t, first)
	second := s.Finalize()
	assert.Empty(t, second, "a second finalize on already-consumed state must emit nothing new")
}

func TestSegmenter_SequenceAndPrevTextThreadAcrossChunks(t *testing.T) {
	s := New("session-1")
	chunks := s.Feed("This is sentence number one here. This is sentence number two right here.")
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Seq)
	assert.False(t, chunks[0].HasPrev)

	more := s.Finalize()
	require.Len(t, more, 1)
	assert.Equal(t, 1, more[0].Seq)
	assert.True(t, more[0].HasPrev)
	assert.Equal(t, chunks[0].Text, more[0].PrevText)
}
