package winsys

import "errors"

// Winsys errors are kernel-errno-shaped: a fixed set of sentinels that
// callers test with errors.Is, optionally wrapped with context.
var (
	// ErrNoMem means the kernel could not allocate the object.
	ErrNoMem = errors.New("winsys: out of memory")

	// ErrInval means the request was malformed.
	ErrInval = errors.New("winsys: invalid argument")

	// ErrBusy means the resource is in use and cannot be touched.
	ErrBusy = errors.New("winsys: resource busy")

	// ErrBadHandle means an imported handle did not resolve to an
	// object of the expected type.
	ErrBadHandle = errors.New("winsys: invalid external handle")

	// ErrNoDev means no winsys with the requested name is registered,
	// or none of the registered ones could be opened.
	ErrNoDev = errors.New("winsys: no such device")

	// ErrNotExportable means the sync primitive has no kernel
	// representation to export.
	ErrNotExportable = errors.New("winsys: sync primitive not exportable")

	// ErrDeviceLost means a submission was rejected and the device
	// context is unusable from now on.
	ErrDeviceLost = errors.New("winsys: device lost")
)
