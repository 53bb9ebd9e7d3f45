package test

import "time"

// default timeout and poll interval of require.Eventually in tests which run servers
const (
	WaitDuration = 5 * time.Second
	WaitTick     = 50 * time.Millisecond
)
