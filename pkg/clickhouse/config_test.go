package clickhouse

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := ClientConfig{Host: "ch"}.withDefaults()
	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, "default", c.Database)
	assert.Equal(t, 10, c.MaxOpenConns)
	assert.Equal(t, 5, c.MaxIdleConns)

	h := ClientConfig{Host: "ch", UseHTTP: true, MaxOpenConns: 4, MaxIdleConns: 9}.withDefaults()
	assert.Equal(t, 8123, h.Port)
	assert.Equal(t, 2, h.MaxIdleConns)
}

func TestValidate(t *testing.T) {
	assert.ErrorContains(t, ClientConfig{}.validate(), "host")
	assert.Error(t, ClientConfig{Host: "ch", WaitForAsync: true}.validate())
	assert.NoError(t, ClientConfig{Host: "ch", AsyncInsert: true, WaitForAsync: true}.validate())
}

func TestDSN(t *testing.T) {
	c := ClientConfig{
		Host:         "ch.internal",
		Database:     "coordscope",
		User:         "engine",
		Password:     "p@ss",
		MaxExecTime:  30 * time.Second,
		AsyncInsert:  true,
		WaitForAsync: true,
	}.withDefaults()

	u, err := url.Parse(c.DSN())
	require.NoError(t, err)
	assert.Equal(t, "clickhouse", u.Scheme)
	assert.Equal(t, "ch.internal:9000", u.Host)
	assert.Equal(t, "/coordscope", u.Path)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss", pw)
	q := u.Query()
	assert.Equal(t, "30", q.Get("max_execution_time"))
	assert.Equal(t, "1", q.Get("async_insert"))
	assert.Equal(t, "1", q.Get("wait_for_async_insert"))
	assert.Equal(t, "5s", q.Get("dial_timeout"))

	plain := ClientConfig{Host: "ch", UseHTTP: true, MaxExecTime: 500 * time.Millisecond}.withDefaults()
	u, err = url.Parse(plain.DSN())
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Empty(t, u.Query().Get("max_execution_time"))
	assert.Empty(t, u.Query().Get("async_insert"))
}
