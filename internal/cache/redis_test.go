package cache

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client := NewRedis(mr.Addr())
	require.NotNil(t, client)
	defer client.Close()

	client2 := NewRedis("redis://" + mr.Addr() + "/0")
	require.NotNil(t, client2)
	defer client2.Close()
}

func TestNewRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	assert.Nil(t, NewRedis(addr))
	assert.Nil(t, NewRedis("redis://%zz"))
	assert.Nil(t, NewRedis(""))
}
