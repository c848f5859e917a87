package uploadsvc

import "syscall"

// reuseAddrControl is passed as net.ListenConfig.Control to set SO_REUSEADDR
// on the listening socket before bind, matching the original server.c's
// setsockopt(SOL_SOCKET, SO_REUSEADDR) call.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockoptErr error

	if err := c.Control(func(fd uintptr) {
		sockoptErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}

	return sockoptErr
}
