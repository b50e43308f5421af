package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/longbridgeapp/assert"
)

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer

	log, err := NewWithWriter(Config{Level: "warn", Format: "json"}, &buf)
	assert.NoError(t, err)

	log.Info().Msg("hidden")
	cl := Component(log, "storage", "n1")
	cl.Warn().Msg("shown")

	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.True(t, strings.Contains(out, `"component":"storage"`))
	assert.True(t, strings.Contains(out, `"node":"n1"`))
}

func TestNewWithWriter_Invalid(t *testing.T) {
	_, err := NewWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.True(t, err != nil)

	_, err = NewWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.True(t, err != nil)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")

	log, err := New(Config{Level: "info", Output: "file", File: FileConfig{Path: path, MaxSizeMB: 1}})
	assert.NoError(t, err)

	log.Info().Msg("to file")

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "to file"))

	_, err = New(Config{Output: "file"})
	assert.True(t, err != nil)

	_, err = New(Config{Output: "syslog"})
	assert.True(t, err != nil)
}
