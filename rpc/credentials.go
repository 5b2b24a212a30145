package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
)

// AuthType is reported by PeerCred.AuthType.
const AuthType = "peercred"

// PeerCred is the identity of the process at the other end of a unix
// socket, as reported by SO_PEERCRED when the connection was accepted.
type PeerCred struct {
	credentials.CommonAuthInfo
	PID int32
	UID uint32
	GID uint32
}

func (PeerCred) AuthType() string { return AuthType }

// ErrNoPeerCred is returned when a request carries no peer identity.
var ErrNoPeerCred = errors.New("peer credentials unavailable")

// PeerCredFromContext returns the caller identity attached to a
// server-side request context.
func PeerCredFromContext(ctx context.Context) (PeerCred, error) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return PeerCred{}, ErrNoPeerCred
	}
	cred, ok := p.AuthInfo.(PeerCred)
	if !ok {
		return PeerCred{}, fmt.Errorf("%w: auth type %q", ErrNoPeerCred, p.AuthInfo.AuthType())
	}
	return cred, nil
}

// peerCredentials is a TransportCredentials that adds no security;
// the server side records the connecting process's credentials.
type peerCredentials struct{}

// PeerCredentials returns transport credentials for unix socket
// connections. Servers see the caller as a PeerCred in the request's
// peer.AuthInfo; connections that are not unix sockets, or whose
// credentials cannot be read, carry no AuthInfo.
func PeerCredentials() credentials.TransportCredentials {
	return peerCredentials{}
}

func (peerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return conn, PeerCred{CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity}}, nil
}

func (peerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return conn, nil, nil
	}
	cred, err := readPeerCred(uc)
	if err != nil {
		return conn, nil, nil
	}
	return conn, cred, nil
}

func readPeerCred(uc *net.UnixConn) (PeerCred, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCred{}, err
	}
	var (
		ucred *unix.Ucred
		cerr  error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, cerr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return PeerCred{}, err
	}
	if cerr != nil {
		return PeerCred{}, fmt.Errorf("getsockopt SO_PEERCRED: %w", cerr)
	}
	return PeerCred{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.NoSecurity},
		PID:            ucred.Pid,
		UID:            ucred.Uid,
		GID:            ucred.Gid,
	}, nil
}

func (peerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: AuthType}
}

func (c peerCredentials) Clone() credentials.TransportCredentials { return c }

func (peerCredentials) OverrideServerName(string) error { return nil }
