package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutputRing(t *testing.T) {
	t.Run("holds writes under capacity", func(t *testing.T) {
		r := newOutputRing(16)
		r.Write([]byte("hello "))
		r.Write([]byte("world"))
		assert.Equal(t, "hello world", string(r.Bytes()))
		assert.Equal(t, 11, r.Len())
	})

	t.Run("keeps only the most recent bytes", func(t *testing.T) {
		r := newOutputRing(8)
		r.Write([]byte("abcdefgh"))
		r.Write([]byte("ij"))
		assert.Equal(t, "cdefghij", string(r.Bytes()))
		assert.Equal(t, 8, r.Len())
	})

	t.Run("oversized write keeps the tail", func(t *testing.T) {
		r := newOutputRing(4)
		r.Write([]byte(strings.Repeat("x", 100) + "tail"))
		assert.Equal(t, "tail", string(r.Bytes()))
	})

	t.Run("empty ring", func(t *testing.T) {
		r := newOutputRing(4)
		assert.Empty(t, r.Bytes())
		assert.Zero(t, r.Len())
	})
}
