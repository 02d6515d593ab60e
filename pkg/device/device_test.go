package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSerial(t *testing.T) {
	s := NewSerial("/dev/rfcomm0", 57600)
	assert.Equal(t, "/dev/rfcomm0", s.Name())
	assert.Equal(t, 57600, s.baudRate)
}

func TestNewSerial_Defaults(t *testing.T) {
	s := NewSerial("COM3", 0)
	assert.Equal(t, DefaultBaudRate, s.baudRate)
}

func TestSerial_DialMissingPort(t *testing.T) {
	s := NewSerial("/dev/does-not-exist-cgm", 0)
	_, err := s.Dial(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/does-not-exist-cgm")
}

func TestSerial_DialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSerial("/dev/does-not-exist-cgm", 0).Dial(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
