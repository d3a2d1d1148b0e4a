package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfAndVerify(t *testing.T) {
	payload := []byte("mm2 sector payload")
	sum := Of(payload)
	assert.True(t, Verify(payload, sum))
	assert.False(t, Verify(payload, sum^0xffffffff))
}

func TestOfEmpty(t *testing.T) {
	assert.EqualValues(t, 0, Of(nil))
}
