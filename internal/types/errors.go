package types

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound means the server explicitly denied the key. It is cached as a negative result.
	ErrKeyNotFound = errors.New("key not found")
	// ErrProtocol is a malformed or semantically invalid server response.
	ErrProtocol = errors.New("protocol error")
	// ErrTransport wraps network/timeout failures. The cause is kept in the joined error.
	ErrTransport = errors.New("transport error")
	// ErrConnect is a transport failure at the connection level (dial, DNS, refused).
	ErrConnect = errors.New("connection failed")
	// ErrBlobUnreachable is reported when an image URL could not be fetched at the connection level.
	ErrBlobUnreachable = errors.New("blob unreachable")

	ErrNotRegistered    = errors.New("engine not registered, call Register first")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidSettings  = errors.New("invalid settings")
	ErrInvalidBackend   = errors.New("invalid backend")
	ErrEntryStoreAccess = errors.New("entry store read/write error")
)

func Err(typedError error, innerErr error, msgTemplate string, args ...any) error {
	if msgTemplate == "" {
		return errors.Join(typedError, innerErr)
	} else {
		return errors.Join(typedError, innerErr, fmt.Errorf(msgTemplate, args...))
	}
}
