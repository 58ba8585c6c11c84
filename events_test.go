package supportchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitterRegistrationOrder(t *testing.T) {
	e := newEmitter[func() string]()
	e.on("k", func() string { return "a" })
	offB := e.on("k", func() string { return "b" })
	e.on("k", func() string { return "c" })
	e.on("other", func() string { return "x" })

	call := func() []string {
		var out []string
		for _, h := range e.handlers("k") {
			out = append(out, h())
		}
		return out
	}
	assert.Equal(t, []string{"a", "b", "c"}, call())
	assert.Equal(t, 2, e.count())

	offB()
	offB()
	assert.Equal(t, []string{"a", "c"}, call())

	e.removeAll()
	assert.Empty(t, e.handlers("k"))
	assert.Zero(t, e.count())
}

func TestSafeCallRecovers(t *testing.T) {
	ran := false
	assert.NotPanics(t, func() {
		safeCall(func() { panic("handler bug") })
		safeCall(func() { ran = true })
	})
	assert.True(t, ran)
}
