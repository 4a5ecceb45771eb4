package toolbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSHA1(t *testing.T) {
	assert.Equal(t, "2fd4e1c6-7a2d28fc-ed849ee1-bb76e739-1b93eb12",
		ComputeSHA1("The quick brown fox jumps over the lazy dog"))
	assert.Equal(t, "da39a3ee-5e6b4b0d-3255bfef-95601890-afd80709", ComputeSHA1(""))
}

func TestComputeMD5(t *testing.T) {
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", ComputeMD5(nil))
	assert.Equal(t, "8b1a9953c4611296a827abf8c47804d7", ComputeMD5([]byte("Hello")))
}

func TestIsSHA1(t *testing.T) {
	id := "b5ed549f-c72f3ed6-5bb1de0a-ad1c9c18-a22f8e0f"
	assert.True(t, IsSHA1(id))
	assert.True(t, IsSHA1("  "+id+"  "))
	assert.True(t, IsSHA1(id+"\x00\x00"))
	assert.False(t, IsSHA1(""))
	assert.False(t, IsSHA1("b5ed549f-c72f3ed6-5bb1de0a-ad1c9c18-a22f8e0"))
	assert.False(t, IsSHA1("b5ed549f-c72f3ed6-5bb1de0a-ad1c9\x00c18-a22f8e0f"))
	assert.False(t, IsSHA1("b5ed549fxc72f3ed6-5bb1de0a-ad1c9c18-a22f8e0f"))
}

func TestIsUUID(t *testing.T) {
	assert.True(t, IsUUID("550e8400-e29b-41d4-a716-446655440000"))
	assert.True(t, IsUUID(" 550e8400-e29b-41d4-a716-446655440000 "))
	assert.False(t, IsUUID("550e8400-e29b-41d4-a716-44665544000_"))
	assert.False(t, IsUUID("550e8400-e29b-41d4-a716-4466554400"))
	assert.False(t, IsUUID(""))

	for i := 0; i < 10; i++ {
		assert.True(t, IsUUID(GenerateUUID()))
	}
}

func TestIdentifierPadding(t *testing.T) {
	uid := "550e8400-e29b-41d4-a716-446655440000"
	sha := "b5ed549f-c72f3ed6-5bb1de0a-ad1c9c18-a22f8e0f"

	cases := map[string]bool{
		"  " + uid + "  ":   true,
		uid + "\x00":        true,
		" " + uid + " \x00": true,
		"   " + uid:         false,
		uid + "   ":         false,
		"\t\n" + uid + "\v": false,
		"\r" + uid:          false,
		uid + "\x00x":       false,
	}
	for input, want := range cases {
		assert.Equal(t, want, IsUUID(input), "%q", input)
	}

	assert.True(t, IsSHA1(" "+sha+"\x00"))
	assert.False(t, IsSHA1("\f"+sha))
	assert.False(t, IsSHA1(sha+"   "))
}

func TestGenerateDicomUID(t *testing.T) {
	uid := GenerateDicomUID()
	require.True(t, strings.HasPrefix(uid, "2.25."))
	assert.LessOrEqual(t, len(uid), 64)
	for _, c := range uid[len("2.25."):] {
		assert.True(t, c >= '0' && c <= '9')
	}
	assert.NotEqual(t, uid, GenerateDicomUID())
}

func TestInstanceHasher(t *testing.T) {
	h := NewInstanceHasher("P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	assert.Equal(t, ComputeSHA1("P1"), h.HashPatient())
	assert.Equal(t, ComputeSHA1("P1|1.2.3"), h.HashStudy())
	assert.Equal(t, ComputeSHA1("P1|1.2.3|1.2.3.4"), h.HashSeries())
	assert.Equal(t, ComputeSHA1("P1|1.2.3|1.2.3.4|1.2.3.4.5"), h.HashInstance())
	assert.True(t, IsSHA1(h.HashInstance()))
}
