package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAsOf(t *testing.T) {
	got, err := parseAsOf("2025-10-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 1, 23, 59, 59, 999999999, time.UTC), got)

	got, err = parseAsOf("2025-10-01T12:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC), got)

	_, err = parseAsOf("10/01/2025")
	assert.Error(t, err)
}

func TestApp_RequiresRunIDForResume(t *testing.T) {
	app := newApp()
	app.Writer, app.ErrWriter = io.Discard, io.Discard
	err := app.Run([]string{"estimator", "resume"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run-id")
}
