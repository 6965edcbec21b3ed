package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPChecker_HealthyWhenPortAccepts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker := NewTCPChecker(ln.Addr().String())
	result := checker.Check(context.Background())
	assert.True(t, result.Healthy)
}

func TestTCPChecker_UnhealthyWhenNothingListening(t *testing.T) {
	checker := NewTCPChecker("127.0.0.1:1")
	checker.WithTimeout(50 * time.Millisecond)

	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "connection failed")
}

func TestTCPChecker_Type(t *testing.T) {
	assert.Equal(t, CheckTypeTCP, (&TCPChecker{}).Type())
}

func TestTCPChecker_WithTimeoutReturnsSameCheckerForChaining(t *testing.T) {
	c := NewTCPChecker("127.0.0.1:1")
	returned := c.WithTimeout(2 * time.Second)
	assert.Same(t, c, returned)
	assert.Equal(t, 2*time.Second, c.Timeout)
}
