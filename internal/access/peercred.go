package access

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"

	"git.home.luguber.info/inful/privd/internal/config"
	ferrors "git.home.luguber.info/inful/privd/internal/foundation/errors"
)

// Credentials are the kernel reported peer credentials of a unix socket.
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

type credentialsKey struct{}

// WithCredentials stores creds on ctx.
func WithCredentials(ctx context.Context, creds Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey{}, creds)
}

// CredentialsFrom returns the credentials stored by WithCredentials.
func CredentialsFrom(ctx context.Context) (Credentials, bool) {
	creds, ok := ctx.Value(credentialsKey{}).(Credentials)
	return creds, ok
}

// PeerCredentials reads SO_PEERCRED from a unix connection.
func PeerCredentials(conn net.Conn) (Credentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return Credentials{}, ferrors.InternalError("peer credentials need a unix socket").
			WithContext("conn", fmt.Sprintf("%T", conn)).Build()
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return Credentials{}, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to access socket").Build()
	}
	var ucred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Credentials{}, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to access socket").Build()
	}
	if credErr != nil {
		return Credentials{}, ferrors.WrapError(credErr, ferrors.CategoryInternal, "failed to read peer credentials").Build()
	}
	return Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

// Resolver maps peer credentials to a caller identity.
type Resolver struct {
	mode       config.IdentityMode
	lookupUser func(uid string) (string, error)
	readExe    func(pid int32) (string, error)
}

// NewResolver returns a resolver for mode.
func NewResolver(mode config.IdentityMode) *Resolver {
	return &Resolver{
		mode: mode,
		lookupUser: func(uid string) (string, error) {
			u, err := user.LookupId(uid)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
		readExe: func(pid int32) (string, error) {
			return os.Readlink("/proc/" + strconv.Itoa(int(pid)) + "/exe")
		},
	}
}

// Resolve returns the identity for creds. Failure to resolve is an internal fault.
func (r *Resolver) Resolve(creds Credentials) (string, error) {
	switch r.mode {
	case config.IdentityExe:
		exe, err := r.readExe(creds.PID)
		if err != nil || exe == "" {
			return "", ferrors.WrapError(err, ferrors.CategoryInternal, "cannot resolve caller executable").
				WithContext("pid", creds.PID).Build()
		}
		return exe, nil
	default:
		name, err := r.lookupUser(strconv.FormatUint(uint64(creds.UID), 10))
		if err != nil || name == "" {
			return "", ferrors.WrapError(err, ferrors.CategoryInternal, "cannot resolve caller user").
				WithContext("uid", creds.UID).Build()
		}
		return name, nil
	}
}

// ResolveContext resolves the credentials stored on ctx.
func (r *Resolver) ResolveContext(ctx context.Context) (string, error) {
	creds, ok := CredentialsFrom(ctx)
	if !ok {
		return "", ferrors.InternalError("no peer credentials on connection").Build()
	}
	return r.Resolve(creds)
}
