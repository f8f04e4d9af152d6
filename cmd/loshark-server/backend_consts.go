package main

import "time"

const (
	serialReadBufSize = 4096 // per read() buffer for the serial backend
	usbReadSize       = 4096 // bytes requested per bulk IN transfer
	// stableSession is how long a session must last before the reconnect
	// backoff starts over from its minimum.
	stableSession = 10 * time.Second
	stopTimeout   = 2 * time.Second
)
