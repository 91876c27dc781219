//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// RFCOMM socket options from <bluetooth/rfcomm.h>.
const (
	solRFCOMM       = 18
	rfcommLM        = 0x03
	rfcommLMAuth    = 0x02
	rfcommLMEncrypt = 0x04
)

const pollInterval = 100 // milliseconds

// dialRFCOMM opens an RFCOMM stream socket to addr/channel. linkMode is the
// RFCOMM_LM security mask; 0 requests none.
func dialRFCOMM(ctx context.Context, addr [6]byte, channel uint8, linkMode int) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("bluez: rfcomm socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, solRFCOMM, rfcommLM, linkMode); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: rfcomm link mode: %w", err)
	}
	// The kernel keeps the address little-endian and x/sys copies it as is.
	sa := &unix.SockaddrRFCOMM{Addr: kernelBDAddr(addr), Channel: channel}
	if err := connectSocket(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: rfcomm connect channel %d: %w", channel, err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%d", channel)), nil
}

// connectSocket runs a non-blocking connect, polling until it completes or
// ctx ends.
func connectSocket(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EAGAIN) {
		return err
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, pollInterval)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soerr != 0 {
			return unix.Errno(soerr)
		}
		return nil
	}
}

// lookupRFCOMMChannel asks the remote SDP server for the RFCOMM channel of
// service.
func lookupRFCOMMChannel(ctx context.Context, addr [6]byte, service uuid.UUID) (uint8, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return 0, fmt.Errorf("bluez: l2cap socket: %w", err)
	}
	// SockaddrL2 reverses the address itself.
	if err := connectSocket(ctx, fd, &unix.SockaddrL2{PSM: sdpPSM, Addr: addr}); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("bluez: sdp connect: %w", err)
	}
	f := os.NewFile(uintptr(fd), "sdp")
	defer f.Close()

	stop := context.AfterFunc(ctx, func() { _ = f.SetDeadline(time.Now()) })
	defer stop()

	var attrs, cont []byte
	tid := uint16(rand.Intn(0xFFFF))
	resp := make([]byte, 0xFFFF)
	for {
		tid++
		if _, err := f.Write(buildSearchAttrRequest(tid, service, cont)); err != nil {
			return 0, fmt.Errorf("bluez: sdp request: %w", err)
		}
		n, err := f.Read(resp)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("bluez: sdp response: %w", err)
		}
		part, next, err := parseSearchAttrResponse(resp[:n], tid)
		if err != nil {
			return 0, err
		}
		attrs = append(attrs, part...)
		if len(next) == 0 {
			break
		}
		cont = next
	}
	return rfcommChannel(attrs)
}
