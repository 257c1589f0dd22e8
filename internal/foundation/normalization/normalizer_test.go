package normalization

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type transport string

const (
	transportADB transport = "adb"
	transportSSH transport = "ssh"
)

func newTransportNormalizer() *Normalizer[transport] {
	return NewNormalizer(map[string]transport{
		"adb": transportADB,
		"ssh": transportSSH,
	}, transportADB)
}

func TestNormalizer_Normalize(t *testing.T) {
	n := newTransportNormalizer()

	tests := []struct {
		name     string
		input    string
		expected transport
	}{
		{"exact match", "ssh", transportSSH},
		{"case insensitive", "SSH", transportSSH},
		{"with spaces", "  adb  ", transportADB},
		{"invalid input", "telnet", transportADB},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, n.Normalize(tt.input))
		})
	}
}

func TestNormalizer_WithError(t *testing.T) {
	n := newTransportNormalizer()

	v, err := n.NormalizeWithError(" Ssh ")
	require.NoError(t, err)
	require.Equal(t, transportSSH, v)

	v, err = n.NormalizeWithError("")
	require.NoError(t, err)
	require.Equal(t, transportADB, v)

	_, err = n.NormalizeWithError("telnet")
	require.Error(t, err)
	require.Contains(t, err.Error(), "[adb ssh]")
}

func TestNormalizer_ValidKeysIsCopy(t *testing.T) {
	n := newTransportNormalizer()
	keys := n.ValidKeys()
	keys[0] = "mutated"
	require.Equal(t, []string{"adb", "ssh"}, n.ValidKeys())
}
