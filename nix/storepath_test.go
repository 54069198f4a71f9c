package nix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPath(name string) StorePath {
	hashPart := EncodeBase32(CompressHash(HashString(name), 20))
	return StorePath(DefaultStoreDir + "/" + hashPart + "-" + name)
}

func TestParseStorePath(t *testing.T) {
	good := testPath("hello-2.12")
	p, err := ParseStorePath(DefaultStoreDir, string(good))
	require.Nil(t, err)
	assert.Equal(t, "hello-2.12", p.Name())
	assert.Equal(t, good.HashPart(), p.HashPart())

	_, err = ParseStorePath(DefaultStoreDir, "/nix/store/too-short")
	require.NotNil(t, err)

	_, err = ParseStorePath(DefaultStoreDir, "/etc/passwd")
	require.NotNil(t, err)

	_, err = ParseStorePath(DefaultStoreDir, "/nix/store/../store/"+good.Base())
	require.Nil(t, err) // cleans to a store path

	_, err = ParseStorePath(DefaultStoreDir, string(good)+"/nested")
	require.NotNil(t, err)
}

func TestDrvName(t *testing.T) {
	p := testPath("hello-2.12.drv")
	assert.True(t, p.IsDerivation())
	assert.Equal(t, "hello-2.12", p.DrvName())

	out := testPath("hello-2.12")
	assert.False(t, out.IsDerivation())
}

func TestBase32RoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello world", "\x00\xff\x80"} {
		enc := EncodeBase32([]byte(s))
		dec, err := DecodeBase32(enc)
		require.Nil(t, err)
		assert.Equal(t, []byte(s), append([]byte{}, dec...), "round trip of %q", s)
	}

	_, err := DecodeBase32("eee") // 'e' is not in the alphabet
	require.NotNil(t, err)
}

func TestMakeOutputPathIsStable(t *testing.T) {
	h := HashString("some-derivation-aterm")
	p1 := MakeOutputPath(DefaultStoreDir, "out", h, "hello-2.12")
	p2 := MakeOutputPath(DefaultStoreDir, "out", h, "hello-2.12")
	assert.Equal(t, p1, p2)
	assert.Equal(t, "hello-2.12", p1.Name())

	dev := MakeOutputPath(DefaultStoreDir, "dev", h, "hello-2.12")
	assert.NotEqual(t, p1, dev)
	assert.Equal(t, "hello-2.12-dev", dev.Name())

	other := MakeOutputPath(DefaultStoreDir, "out", HashString("other"), "hello-2.12")
	assert.NotEqual(t, p1, other)
}

func TestHashParse(t *testing.T) {
	h := HashString("x")
	parsed, err := ParseHash(h.String())
	require.Nil(t, err)
	assert.Equal(t, h, parsed)

	parsed, err = ParseHash(h.Base32())
	require.Nil(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseHash("sha256:nope")
	require.NotNil(t, err)
}
