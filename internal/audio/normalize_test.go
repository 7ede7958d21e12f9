package audio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "Hi there friend", Normalize("  Hi   there\n\tfriend "))
	require.Equal(t, "", Normalize(" \n "))
}

func TestDigest_EqualForEquivalentText(t *testing.T) {
	require.Equal(t, Digest("Hi there"), Digest("  Hi \n there  "))
	require.NotEqual(t, Digest("Hi there"), Digest("hi there"))
	require.Len(t, Digest("x"), 64)
}

func TestSpeechText(t *testing.T) {
	cases := map[string]string{
		"Oops! My thinking cap fell off! 🎩 Can you ask me again?": "Oops! My thinking cap fell off! Can you ask me again?",
		"**Stars** are *really* big `suns`":                       "Stars are really big suns",
		"## Fun fact: it costs $5":                                "Fun fact: it costs $5",
		"🌟✨":                                                      "",
	}
	for in, want := range cases {
		require.Equal(t, want, SpeechText(in), "in=%q", in)
	}
}
