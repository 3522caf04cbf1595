package serialmux

import "io"

// Port is the byte stream a SerialMux runs over. go.bug.st/serial ports
// satisfy it, as do pipes in tests.
type Port interface {
	io.ReadWriteCloser
}
