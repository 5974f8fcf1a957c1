package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Check value of the Castagnoli polynomial.
	data := []byte("123456789")
	assert.Equal(t, uint32(0xE3069283), CRC32C(data))
	assert.Equal(t, "4waSgw==", CRC32CBase64(data))
	assert.Zero(t, CRC32C(nil))
}
