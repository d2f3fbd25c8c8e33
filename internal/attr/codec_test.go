package attr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	g := Group{}
	g.Set("job-id", Integer(42))
	g.Set("job-state", Enum(5))
	g.Set("accepting-jobs", Boolean(true))
	g.Set("printer-name", Name("P"))
	g.Set("job-originating-user-name", Name("alice"))
	g.Set("document-format", MimeType("application/pdf"))
	g.Set("time-at-creation", DateTime(time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)))
	g.Set("printer-resolution", ResolutionValue(600, 600, 3))
	g.Set("copies-supported", RangeValue(1, 999))
	g.SetMulti("printer-state-reasons", Keyword("media-empty"), Keyword("toner-low"))
	g.Set("job-sheets-col", Collection(
		Attribute{Name: "media", Values: []Value{Keyword("na_letter_8.5x11in")}},
	))

	encoded := Encode(g)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, g, decoded)
}

func TestGroupAccessors(t *testing.T) {
	g := Group{}
	g.Set("job-priority", Integer(50))

	n, err := g.RequireInt("job-priority")
	require.NoError(t, err)
	require.Equal(t, int32(50), n)

	_, err = g.RequireInt("missing")
	require.Error(t, err)

	require.Equal(t, int32(7), g.OptInt("missing", 7))
	require.Equal(t, "fallback", g.OptStr("missing", "fallback"))
}

func TestValueTypeMismatch(t *testing.T) {
	v := Boolean(true)
	_, err := v.Int()
	require.Error(t, err)
}
