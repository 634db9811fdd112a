package common

import "errors"

// ErrorClosed by gen-server APIs when the server is dead.
var ErrorClosed = errors.New("godcp.closed")

// ErrorChannelFull by non-blocking gen-server APIs when the request
// channel is full.
var ErrorChannelFull = errors.New("godcp.channelFull")

// FailsafeOpNoblock posts cmd on reqch without blocking: a full channel
// or a closed finch never wedges the caller.
func FailsafeOpNoblock(
	reqch chan []interface{}, cmd []interface{}, finch chan bool) error {

	select {
	case reqch <- cmd:
	case <-finch:
		return ErrorClosed
	default:
		return ErrorChannelFull
	}
	return nil
}
