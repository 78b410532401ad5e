package etcdsync

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "/taskshard/nodes/n1", Key("/taskshard", "nodes", "n1"))
	assert.Equal(t, "/taskshard/nodes/n1", Key("/taskshard/", "/nodes/", "n1"))
	assert.Equal(t, "/taskshard", Key("/taskshard/"))
}

func TestName(t *testing.T) {
	cases := []struct {
		key  string
		name string
		ok   bool
	}{
		{"/ts/nodes/n1", "n1", true},
		{"/ts/nodes/", "", false},
		{"/ts/nodes/a/b", "", false},
		{"/ts/other/n1", "", false},
		{"/ts/nodesX/n1", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			name, ok := Name("/ts/nodes", []byte(tc.key))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.name, name)
		})
	}
}

func TestNewBackOffNeverStops(t *testing.T) {
	b := NewBackOff()
	for i := 0; i < 50; i++ {
		d := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, d)
		assert.LessOrEqual(t, d, 36*time.Second)
	}
}
