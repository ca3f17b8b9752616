package browser

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type closeLog struct {
	order []string
}

type namedCloser struct {
	name string
	err  error
	log  *closeLog
}

func (c namedCloser) Close() error {
	c.log.order = append(c.log.order, c.name)
	return c.err
}

func TestCloseContext_SharedChromeDropsConnection(t *testing.T) {
	log := &closeLog{}
	err := closeContext(
		namedCloser{name: "incognito", log: log},
		nil,
		namedCloser{name: "conn", log: log},
	)
	assert.NoError(t, err)
	assert.Equal(t, []string{"incognito", "conn"}, log.order)
}

func TestCloseContext_LaunchedChromeShutsDownFirst(t *testing.T) {
	log := &closeLog{}
	err := closeContext(
		namedCloser{name: "incognito", log: log},
		namedCloser{name: "root", log: log},
		namedCloser{name: "conn", err: errors.New("use of closed network connection"), log: log},
	)
	assert.NoError(t, err, "a connection Chrome already dropped is not an error")
	assert.Equal(t, []string{"incognito", "root", "conn"}, log.order)
}

func TestCloseContext_ReportsFirstError(t *testing.T) {
	log := &closeLog{}
	dispose := errors.New("dispose failed")
	err := closeContext(
		namedCloser{name: "incognito", err: dispose, log: log},
		nil,
		namedCloser{name: "conn", err: errors.New("reset"), log: log},
	)
	assert.ErrorIs(t, err, dispose)
	assert.Equal(t, []string{"incognito", "conn"}, log.order)
}
