package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_234_567, time.FixedZone("x", 3600))
	require.Equal(t, "2026-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestLogger_DropsEmptyStrings(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter(&buf, true, true)
	log.Debug("reconcile: done", "fanout", "", "created", 2)

	out := buf.String()
	require.Contains(t, out, "reconcile: done")
	require.Contains(t, out, "created=2")
	require.NotContains(t, out, "fanout=")
}

func TestLogger_InfoLevelHidesDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWithWriter(&buf, false, true)
	log.Debug("hidden")
	log.Info("shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}
