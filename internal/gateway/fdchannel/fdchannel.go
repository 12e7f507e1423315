// Package fdchannel hands a kernel file descriptor to a client over its
// control socket, via SCM_RIGHTS ancillary data, per spec §4.2.
package fdchannel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Send transmits one fd to the peer on fd, as ancillary data accompanying
// a single in-band payload byte. The no-SIGPIPE requirement from §4.2 is
// met with MSG_NOSIGNAL: writing to a peer that already hung up returns
// EPIPE through the normal error path instead of raising SIGPIPE.
func Send(socketFD, transportFD int) error {
	rights := unix.UnixRights(transportFD)
	payload := []byte{0}
	if err := unix.Sendmsg(socketFD, payload, rights, nil, unix.MSG_NOSIGNAL); err != nil {
		return fmt.Errorf("fdchannel: sendmsg: %w", err)
	}
	return nil
}
