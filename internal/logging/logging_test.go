package logging

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoLevelOnInvalidLevel(t *testing.T) {
	log, err := New(Options{Level: "not-a-level"})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewHonorsExplicitLevel(t *testing.T) {
	log, err := New(Options{Level: "debug"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestNewWithPathCreatesRotatingWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abeansd.log")
	log, err := New(Options{Path: path, Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, log.Out)
}
