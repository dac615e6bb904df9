package canon

import (
	"math"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/davidahmann/weft/core/errors"
)

func TestCanonicalizeScalars(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"null", Null{}, "null"},
		{"true", Bool(true), "true"},
		{"false", Bool(false), "false"},
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"integer", Number(42), "42"},
		{"negative", Number(-7), "-7"},
		{"fraction", Number(0.5), "0.5"},
		{"zero", Number(0), "0"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Canonicalize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestCanonicalizeSortsObjectKeys(t *testing.T) {
	obj := Object{
		"zebra": Number(1),
		"alpha": Number(2),
		"beta":  Number(3),
	}

	result, err := Canonicalize(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(result))
}

func TestCanonicalizeGolden(t *testing.T) {
	doc := Object{
		"active": Bool(true),
		"count":  Number(42),
		"html":   String("a<b&c>d"),
		"meta":   Object{"zero": Number(0)},
		"name":   String("weft"),
		"note":   Null{},
		"quote":  String("say \"hi\"\n"),
		"ratio":  Number(0.5),
		"tags":   Array{String("alpha"), String("beta")},
	}

	result, err := Canonicalize(doc)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "mixed_document", result)
}

func TestCanonicalizeEqualDocumentsEqualBytes(t *testing.T) {
	literal := Object{
		"b": Array{Number(1), Number(2)},
		"a": String("x"),
	}
	converted, err := FromAny(map[string]any{
		"a": "x",
		"b": []any{1, 2.0},
	})
	require.NoError(t, err)

	first, err := Canonicalize(literal)
	require.NoError(t, err)
	second, err := Canonicalize(converted)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestCanonicalizeRejectsNaNAndInf(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Canonicalize(Array{Number(bad)})
		require.Error(t, err)
		assert.Equal(t, coreerrors.CategoryFormatInvalid, coreerrors.CategoryOf(err))
		assert.Equal(t, "canon_number_invalid", coreerrors.CodeOf(err))
	}
}

func TestCanonicalizeNegativeZero(t *testing.T) {
	negZero := math.Copysign(0, -1)

	result, err := Canonicalize(Object{"z": Number(negZero)})
	require.NoError(t, err)
	assert.Equal(t, `{"z":0}`, string(result))

	viaFromAny, err := FromAny(negZero)
	require.NoError(t, err)
	fromAnyBytes, err := Canonicalize(viaFromAny)
	require.NoError(t, err)

	plainBytes, err := Canonicalize(Number(0))
	require.NoError(t, err)
	assert.Equal(t, string(plainBytes), string(fromAnyBytes))
}

func TestCanonicalizeRejectsInvalidUTF8(t *testing.T) {
	_, err := Canonicalize(String("bad\xffbyte"))
	require.Error(t, err)
	assert.Equal(t, "canon_utf8_invalid", coreerrors.CodeOf(err))

	_, err = Canonicalize(Object{"k\xff": Null{}})
	require.Error(t, err)
	assert.Equal(t, "canon_utf8_invalid", coreerrors.CodeOf(err))
}

func TestCanonicalizeDepthLimit(t *testing.T) {
	v := Value(Null{})
	for i := 0; i < maxDepth+10; i++ {
		v = Array{v}
	}

	_, err := Canonicalize(v)
	require.Error(t, err)
	assert.Equal(t, "canon_depth_exceeded", coreerrors.CodeOf(err))
}

func TestFromAnyIntegerPrecision(t *testing.T) {
	exact, err := FromAny(int64(1) << 53)
	require.NoError(t, err)
	assert.Equal(t, Number(9007199254740992), exact)

	_, err = FromAny(int64(1)<<53 + 1)
	require.Error(t, err)
	assert.Equal(t, "canon_number_imprecise", coreerrors.CodeOf(err))

	_, err = FromAny(uint64(math.MaxUint64))
	require.Error(t, err)
	assert.Equal(t, "canon_number_imprecise", coreerrors.CodeOf(err))
}

func TestFromAnyUnsupportedType(t *testing.T) {
	_, err := FromAny(struct{ X int }{X: 1})
	require.Error(t, err)
	assert.Equal(t, coreerrors.CategoryInvalidInput, coreerrors.CategoryOf(err))
	assert.Equal(t, "canon_type_unsupported", coreerrors.CodeOf(err))
}

func TestCanonicalizeJSONNormalizesWhitespaceAndOrder(t *testing.T) {
	spaced := []byte("{ \"b\" : 1 ,\n \"a\" : [ true , null ] }")
	compact := []byte(`{"a":[true,null],"b":1}`)

	first, err := CanonicalizeJSON(spaced)
	require.NoError(t, err)
	second, err := CanonicalizeJSON(compact)
	require.NoError(t, err)
	assert.Equal(t, string(second), string(first))
	assert.Equal(t, `{"a":[true,null],"b":1}`, string(first))
}

func TestCanonicalizeJSONRejectsDuplicateKeys(t *testing.T) {
	for _, raw := range []string{
		`{"a":1,"a":2}`,
		`{"outer":{"k":true,"k":false}}`,
		`[{"x":1},{"y":1,"y":2}]`,
	} {
		_, err := CanonicalizeJSON([]byte(raw))
		require.Error(t, err, raw)
		assert.Equal(t, "canon_json_duplicate_key", coreerrors.CodeOf(err), raw)
	}
}

func TestCanonicalizeJSONRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`{"a":}`,
		`{"a":1} trailing`,
		`[1,2`,
		"\xff\xfe",
	} {
		_, err := CanonicalizeJSON([]byte(raw))
		require.Error(t, err, raw)
		assert.Equal(t, coreerrors.CategoryFormatInvalid, coreerrors.CategoryOf(err), raw)
	}
}

func TestDigestShapeAndDeterminism(t *testing.T) {
	doc := Object{"session": String("demo"), "n": Number(3)}

	first, err := DigestValue(doc)
	require.NoError(t, err)
	second, err := DigestValue(doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.True(t, strings.HasPrefix(first.String(), "sha256:"))
	assert.Len(t, first.Hex(), 64)
	assert.Equal(t, strings.ToLower(first.Hex()), first.Hex())

	parsed, err := ParseDigest(first.String())
	require.NoError(t, err)
	assert.Equal(t, first, parsed)

	other, err := DigestValue(Object{"session": String("demo"), "n": Number(4)})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestDigestSum256RoundTrip(t *testing.T) {
	canonical, err := Canonicalize(Array{Number(1)})
	require.NoError(t, err)
	d := DigestCanonical(canonical)

	sum, err := d.Sum256()
	require.NoError(t, err)
	assert.Equal(t, DigestCanonical(canonical), d)
	assert.NotEqual(t, [32]byte{}, sum)
}

func TestParseDigestRejects(t *testing.T) {
	valid := DigestCanonical(CanonicalBytes("null")).String()

	bad := []string{
		"",
		"sha256:",
		strings.TrimPrefix(valid, "sha256:"),
		"sha512:" + strings.TrimPrefix(valid, "sha256:"),
		"sha256:" + strings.ToUpper(strings.TrimPrefix(valid, "sha256:")),
		valid + "00",
		"sha256:" + strings.Repeat("g", 64),
	}
	for _, s := range bad {
		_, err := ParseDigest(s)
		require.Error(t, err, s)
		assert.Equal(t, "digest_format_invalid", coreerrors.CodeOf(err), s)
	}
}
