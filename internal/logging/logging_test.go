package logging

import (
	"bytes"
	"testing"

	gol "github.com/op/go-logging"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, gol.DEBUG, ParseLevel("debug"))
	assert.Equal(t, gol.WARNING, ParseLevel(" WARNING "))
	assert.Equal(t, gol.INFO, ParseLevel("chatty"))
}

func TestSetupFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "warning")
	defer Setup(nil, "info")

	log := gol.MustGetLogger("logtest")
	log.Infof("quiet %d", 1)
	log.Warningf("loud %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "quiet 1")
	assert.Contains(t, out, "loud 2")
	assert.Contains(t, out, "logtest")
}
