/*
Package fuse mounts an iquestfs filesystem.FileSystem through the kernel FUSE interface.

Two hosts are provided, selected with build constraints:

	┌─────────────────────────────────────────────┐
	│     Applications (ls, cat, cp, editors)     │
	└─────────────────────────────────────────────┘
	                      │  POSIX calls
	┌─────────────────────────────────────────────┐
	│        Kernel VFS / FUSE driver             │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  go-fuse host (default)  │ cgofuse host     │  ← This Package
	│  inode tree, Linux       │ path based,      │
	│                          │ macOS / Windows  │
	└─────────────────────────────────────────────┘
	                      │  filesystem.FileSystem
	┌─────────────────────────────────────────────┐
	│     Operation handlers (internal/filesystem) │
	└─────────────────────────────────────────────┘

Default build:

	go build ./cmd/iquestfs

cgofuse build:

	go build -tags cgofuse ./cmd/iquestfs

# Handles

The descriptor index returned by Open and Create is the kernel file handle. Read,
Write, Flush and Release are routed back to the bridge by that index, so a handle
stays valid across renames of its path.

# Errors

Bridge errors are *errors.Error values. Both hosts translate them with errors.Errno;
transport failures surface as EIO and are logged.

# Usage

	bridge, err := filesystem.New(dialer, cfg)
	if err != nil {
		return err
	}
	mount := fuse.CreatePlatformMountManager(bridge, &fuse.MountConfig{
		MountPoint: "/mnt/iquest",
		Options:    fuse.DefaultMountOptions(),
	}, logger)
	if err := mount.Mount(ctx); err != nil {
		return err
	}
	mount.Wait()
*/
package fuse
