package drivers

import (
	"testing"

	"github.com/Memeo/lounge/lounge_errors"
	"github.com/stretchr/testify/assert"
)

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		d, err := Lookup(name, Config{})
		assert.NoError(t, err)
		assert.Equal(t, name, d.Name())
	}
	_, err := Lookup("bdb", Config{})
	assert.ErrorIs(t, err, lounge_errors.ErrNoSuchDriver)
	assert.Equal(t, []string{"memory", "pebble", "sqlite"}, Names())
}
