package pathutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSafeJoinRejectsAbsolute(t *testing.T) {
	_, err := SafeJoin("/workspace/comfy", "/etc/passwd")
	require.ErrorIs(t, err, ErrAbsolutePath)
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	_, err := SafeJoin("/workspace/comfy", "../../etc/passwd")
	require.ErrorIs(t, err, ErrEscapesBase)
}

func TestSafeJoinAllowsNested(t *testing.T) {
	got, err := SafeJoin("/workspace/comfy", "models/x.safetensors")
	require.NoError(t, err)
	require.Equal(t, "/workspace/comfy/models/x.safetensors", got)
}

func TestSafeJoinNeverEscapesBase(t *testing.T) {
	cases := []string{
		"../sibling",
		"a/../../b",
		"a/../../../etc/shadow",
		"./a/b/../../../../x",
	}
	for _, rel := range cases {
		_, err := SafeJoin("/workspace/comfy", rel)
		require.Error(t, err, "rel=%q should have failed", rel)
	}
}

func TestParseBytesBase1024ForAllUnitSpellings(t *testing.T) {
	cases := map[string]int64{
		"5":     5,
		"5B":    5,
		"1K":    1024,
		"1KB":   1024,
		"1KiB":  1024,
		"1M":    1024 * 1024,
		"1MB":   1024 * 1024,
		"1MiB":  1024 * 1024,
		"1G":    1024 * 1024 * 1024,
		"1GB":   1024 * 1024 * 1024,
		"1GiB":  1024 * 1024 * 1024,
		"1T":    1024 * 1024 * 1024 * 1024,
		"2.5K":  2560,
		" 3 M ": 3 * 1024 * 1024,
	}
	for input, want := range cases {
		got, ok := ParseBytes(input)
		require.True(t, ok, "input=%q", input)
		require.Equal(t, want, got, "input=%q", input)
	}
}

func TestParseBytesMalformedReturnsFalse(t *testing.T) {
	for _, s := range []string{"", "K", "-5", "5XB", "abc"} {
		_, ok := ParseBytes(s)
		require.False(t, ok, "input=%q should be malformed", s)
	}
}
