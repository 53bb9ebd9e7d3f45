package net

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	mu    sync.Mutex
	taken = map[int]struct{}{}
)

/*
FreeAddress returns "localhost:port" where nothing listens at the moment.
Ports are handed out once per test binary so that servers started by
parallel tests do not race for the same port.
*/
func FreeAddress(t testing.TB) string {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()

	for {
		l, err := net.Listen("tcp", "localhost:0")
		require.NoError(t, err)
		port := l.Addr().(*net.TCPAddr).Port
		require.NoError(t, l.Close())
		if _, ok := taken[port]; !ok {
			taken[port] = struct{}{}
			return fmt.Sprintf("localhost:%d", port)
		}
	}
}
