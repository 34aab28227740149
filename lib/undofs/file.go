// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undofs

import (
	"context"
	"path/filepath"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// file wraps a loopback file handle. Write and Allocate call the undo
// hooks; everything else forwards.
type file struct {
	inner  gofuse.FileHandle
	inode  *gofuse.Inode
	bridge *bridge
}

func (b *bridge) wrapFile(inner gofuse.FileHandle, inode *gofuse.Inode) *file {
	return &file{inner: inner, inode: inode, bridge: b}
}

// hostPath is the backing path for the file's current name.
func (f *file) hostPath() string {
	return filepath.Join(f.bridge.root, f.inode.Path(nil))
}

var (
	_ gofuse.FileReader    = (*file)(nil)
	_ gofuse.FileWriter    = (*file)(nil)
	_ gofuse.FileAllocater = (*file)(nil)
	_ gofuse.FileReleaser  = (*file)(nil)
	_ gofuse.FileFlusher   = (*file)(nil)
	_ gofuse.FileFsyncer   = (*file)(nil)
	_ gofuse.FileGetattrer = (*file)(nil)
	_ gofuse.FileSetattrer = (*file)(nil)
	_ gofuse.FileLseeker   = (*file)(nil)
	_ gofuse.FileGetlker   = (*file)(nil)
	_ gofuse.FileSetlker   = (*file)(nil)
	_ gofuse.FileSetlkwer  = (*file)(nil)
)

// fd returns the backing descriptor for copy_file_range.
func (f *file) fd() (int, bool) {
	if passthrough, ok := f.inner.(gofuse.FilePassthroughFder); ok {
		return passthrough.PassthroughFd()
	}
	return -1, false
}

func (f *file) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	writer, ok := f.inner.(gofuse.FileWriter)
	if !ok {
		return 0, syscall.ENOTSUP
	}
	defer f.bridge.engine.TrackOperation()()
	path := f.hostPath()
	if err := f.bridge.engine.PreWrite(ctx, path); err != nil {
		return 0, f.bridge.refuse("write", path, err)
	}
	return writer.Write(ctx, data, off)
}

func (f *file) Allocate(ctx context.Context, off uint64, size uint64, mode uint32) syscall.Errno {
	allocater, ok := f.inner.(gofuse.FileAllocater)
	if !ok {
		return syscall.ENOTSUP
	}
	defer f.bridge.engine.TrackOperation()()
	path := f.hostPath()
	if err := f.bridge.engine.PreFallocate(ctx, path); err != nil {
		return f.bridge.refuse("fallocate", path, err)
	}
	return allocater.Allocate(ctx, off, size, mode)
}

func (f *file) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if reader, ok := f.inner.(gofuse.FileReader); ok {
		return reader.Read(ctx, dest, off)
	}
	return nil, syscall.ENOTSUP
}

func (f *file) Release(ctx context.Context) syscall.Errno {
	if releaser, ok := f.inner.(gofuse.FileReleaser); ok {
		return releaser.Release(ctx)
	}
	return 0
}

func (f *file) Flush(ctx context.Context) syscall.Errno {
	if flusher, ok := f.inner.(gofuse.FileFlusher); ok {
		return flusher.Flush(ctx)
	}
	return 0
}

func (f *file) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	if fsyncer, ok := f.inner.(gofuse.FileFsyncer); ok {
		return fsyncer.Fsync(ctx, flags)
	}
	return 0
}

func (f *file) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	if getattrer, ok := f.inner.(gofuse.FileGetattrer); ok {
		return getattrer.Getattr(ctx, out)
	}
	return syscall.ENOTSUP
}

// Setattr is reached through node.Setattr, which has already run the
// hook.
func (f *file) Setattr(ctx context.Context, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if setattrer, ok := f.inner.(gofuse.FileSetattrer); ok {
		return setattrer.Setattr(ctx, in, out)
	}
	return syscall.ENOTSUP
}

func (f *file) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	if seeker, ok := f.inner.(gofuse.FileLseeker); ok {
		return seeker.Lseek(ctx, off, whence)
	}
	return 0, syscall.ENOTSUP
}

func (f *file) Getlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32, out *fuse.FileLock) syscall.Errno {
	if locker, ok := f.inner.(gofuse.FileGetlker); ok {
		return locker.Getlk(ctx, owner, lk, flags, out)
	}
	return syscall.ENOTSUP
}

func (f *file) Setlk(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if locker, ok := f.inner.(gofuse.FileSetlker); ok {
		return locker.Setlk(ctx, owner, lk, flags)
	}
	return syscall.ENOTSUP
}

func (f *file) Setlkw(ctx context.Context, owner uint64, lk *fuse.FileLock, flags uint32) syscall.Errno {
	if locker, ok := f.inner.(gofuse.FileSetlkwer); ok {
		return locker.Setlkw(ctx, owner, lk, flags)
	}
	return syscall.ENOTSUP
}
