package xmltools_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloom/agentcore/xmltools"
)

func TestParseSingleCompletedInvoke(t *testing.T) {
	buf := `before <invoke name="shell"><parameter name="cmd">echo hi</parameter></invoke> after`
	calls, residual := xmltools.Parse(buf)
	require.Len(t, calls, 1)
	assert.Equal(t, "shell", calls[0].FunctionName)
	assert.Equal(t, "echo hi", calls[0].Arguments["cmd"])
	assert.Equal(t, " after", residual)
}

func TestParsePartialInvokeLeavesResidual(t *testing.T) {
	buf := `text <invoke name="shell"><parameter name="cmd">echo`
	calls, residual := xmltools.Parse(buf)
	assert.Empty(t, calls)
	assert.Equal(t, buf[len("text "):], residual)
}

func TestParseMultipleInvokesInOneBlock(t *testing.T) {
	buf := `<function_calls>` +
		`<invoke name="a"><parameter name="x">1</parameter></invoke>` +
		`<invoke name="b"><parameter name="y">2</parameter></invoke>` +
		`</function_calls>`
	calls, _ := xmltools.Parse(buf)
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].FunctionName)
	assert.Equal(t, int64(1), calls[0].Arguments["x"])
	assert.Equal(t, "b", calls[1].FunctionName)
	assert.Equal(t, int64(2), calls[1].Arguments["y"])
}

func TestParseHeuristicValueCoercion(t *testing.T) {
	buf := `<invoke name="f">` +
		`<parameter name="flag">true</parameter>` +
		`<parameter name="count">42</parameter>` +
		`<parameter name="ratio">3.5</parameter>` +
		`<parameter name="obj">{"a":1}</parameter>` +
		`<parameter name="text">hello</parameter>` +
		`</invoke>`
	calls, _ := xmltools.Parse(buf)
	require.Len(t, calls, 1)
	args := calls[0].Arguments
	assert.Equal(t, true, args["flag"])
	assert.Equal(t, int64(42), args["count"])
	assert.Equal(t, 3.5, args["ratio"])
	assert.Equal(t, map[string]any{"a": float64(1)}, args["obj"])
	assert.Equal(t, "hello", args["text"])
}

func TestParseLegacyShape(t *testing.T) {
	buf := `<shell cmd="echo hi">ignored body</shell>`
	calls, residual := xmltools.Parse(buf)
	require.Len(t, calls, 1)
	assert.Equal(t, "shell", calls[0].FunctionName)
	assert.Equal(t, "echo hi", calls[0].Arguments["cmd"])
	assert.Empty(t, residual)
}

func TestParseSingleQuotedAttributes(t *testing.T) {
	buf := `<invoke name='shell'><parameter name='cmd'>echo hi</parameter></invoke>`
	calls, _ := xmltools.Parse(buf)
	require.Len(t, calls, 1)
	assert.Equal(t, "shell", calls[0].FunctionName)
}

func TestParseAcrossChunkBoundaries(t *testing.T) {
	chunk1 := `<invoke name="shell"><parameter name="cmd">ech`
	calls, residual := xmltools.Parse(chunk1)
	assert.Empty(t, calls)

	chunk2 := residual + `o hi</parameter></invoke>`
	calls, residual = xmltools.Parse(chunk2)
	require.Len(t, calls, 1)
	assert.Equal(t, "echo hi", calls[0].Arguments["cmd"])
	assert.Empty(t, residual)
}

func TestFormatReconstructsSortedParameters(t *testing.T) {
	buf := `<invoke name="f"><parameter name="b">2</parameter><parameter name="a">1</parameter></invoke>`
	calls, _ := xmltools.Parse(buf)
	require.Len(t, calls, 1)
	assert.Equal(t,
		`<invoke name="f"><parameter name="a">1</parameter><parameter name="b">2</parameter></invoke>`,
		xmltools.Format(calls[0]))
}

func TestNormalizeIsIdempotent(t *testing.T) {
	buf := `<invoke name="shell"><parameter name="cmd">echo hi</parameter><parameter name="count">3</parameter></invoke>`
	once := xmltools.Normalize(buf)
	twice := xmltools.Normalize(once)
	assert.Equal(t, once, twice)
}

func TestFormatParseRoundTripsHeuristicValues(t *testing.T) {
	buf := `<invoke name="f">` +
		`<parameter name="flag">true</parameter>` +
		`<parameter name="count">42</parameter>` +
		`<parameter name="text">hello</parameter>` +
		`</invoke>`
	calls, _ := xmltools.Parse(buf)
	require.Len(t, calls, 1)

	formatted := xmltools.Format(calls[0])
	reparsed, _ := xmltools.Parse(formatted)
	require.Len(t, reparsed, 1)
	assert.Equal(t, calls[0].Arguments, reparsed[0].Arguments)
}

func TestNormalizeDropsResidualAndPlainText(t *testing.T) {
	buf := `chatter <invoke name="a"><parameter name="x">1</parameter></invoke> trailing <invoke name="b`
	got := xmltools.Normalize(buf)
	assert.Equal(t, `<invoke name="a"><parameter name="x">1</parameter></invoke>`, got)
}
