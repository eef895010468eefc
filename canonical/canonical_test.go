package canonical

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransformSortsKeysRecursively(t *testing.T) {
	in := []byte(`{"b": 1, "a": {"z": true, "m": null}, "c": [3, 1, 2]}`)
	out, err := Transform(in)
	require.NoError(t, err)
	require.Equal(t, `{"a":{"m":null,"z":true},"b":1,"c":[3,1,2]}`, string(out))
}

func TestTransformStructurallyEqualDocuments(t *testing.T) {
	a := []byte("{\"owner\":\"alice\",\n  \"share\": 10000,\r\n \"kind\": \"REGISTER\"}")
	b := []byte(`{"kind":"REGISTER","share":10000,"owner":"alice"}`)

	ca, err := Transform(a)
	require.NoError(t, err)
	cb, err := Transform(b)
	require.NoError(t, err)
	require.Equal(t, ca, cb)

	ha, err := HashHex(a)
	require.NoError(t, err)
	hb, err := HashHex(b)
	require.NoError(t, err)
	require.Equal(t, ha, hb)
	require.Len(t, ha, 64)
}

func TestTransformIdempotent(t *testing.T) {
	in := []byte(`{"nested":{"list":[{"y":2,"x":1}],"flag":false},"n":1.5}`)
	once, err := Transform(in)
	require.NoError(t, err)
	twice, err := Transform(once)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestTransformArraysPreserveOrder(t *testing.T) {
	out, err := Transform([]byte(`[3,"two",{"b":1,"a":2},1]`))
	require.NoError(t, err)
	require.Equal(t, `[3,"two",{"a":2,"b":1},1]`, string(out))
}

func TestTransformNumberNormalisation(t *testing.T) {
	cases := map[string]string{
		`{"v":1.0}`:    `{"v":1}`,
		`{"v":1e2}`:    `{"v":100}`,
		`{"v":0.5}`:    `{"v":0.5}`,
		`{"v":-0.0}`:   `{"v":0}`,
		`{"v":10000}`:  `{"v":10000}`,
		`{"v":2.5e-1}`: `{"v":0.25}`,
	}
	for in, want := range cases {
		out, err := Transform([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, want, string(out), in)
	}
}

func TestTransformStringEscapes(t *testing.T) {
	out, err := Transform([]byte(`{"s":"a\"b\\c\nd\u0001e<&>"}`))
	require.NoError(t, err)
	require.Equal(t, "{\"s\":\"a\\\"b\\\\c\\nd\\u0001e<&>\"}", string(out))
}

func TestTransformRejectsDuplicateKeys(t *testing.T) {
	_, err := Transform([]byte(`{"a":1,"a":2}`))
	require.Error(t, err)
}

func TestTransformRejectsTrailingData(t *testing.T) {
	_, err := Transform([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestTransformRejectsMalformed(t *testing.T) {
	for _, in := range []string{`{"a":`, `[1,`, `tru`, ``} {
		_, err := Transform([]byte(in))
		require.Error(t, err, in)
	}
}

func TestMarshalMatchesTransform(t *testing.T) {
	v := map[string]any{"p": "sl-drm", "v": 1, "hash": "00ff"}
	out, err := Marshal(v)
	require.NoError(t, err)
	require.Equal(t, `{"hash":"00ff","p":"sl-drm","v":1}`, string(out))
}
