//go:build !unix

package transport

import (
	"net"
	"syscall"
)

func connAlive(net.Conn) bool { return true }

func broadcastControl(string, string, syscall.RawConn) error { return nil }
