// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undofs

import (
	"context"
	"path/filepath"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// node is a LoopbackNode whose mutating operations call the undo hooks
// first.
type node struct {
	*gofuse.LoopbackNode
	bridge *bridge
}

var (
	_ gofuse.NodeWrapChilder    = (*node)(nil)
	_ gofuse.NodeCreater        = (*node)(nil)
	_ gofuse.NodeOpener         = (*node)(nil)
	_ gofuse.NodeMkdirer        = (*node)(nil)
	_ gofuse.NodeMknoder        = (*node)(nil)
	_ gofuse.NodeUnlinker       = (*node)(nil)
	_ gofuse.NodeRmdirer        = (*node)(nil)
	_ gofuse.NodeRenamer        = (*node)(nil)
	_ gofuse.NodeSetattrer      = (*node)(nil)
	_ gofuse.NodeSetxattrer     = (*node)(nil)
	_ gofuse.NodeRemovexattrer  = (*node)(nil)
	_ gofuse.NodeLinker         = (*node)(nil)
	_ gofuse.NodeSymlinker      = (*node)(nil)
	_ gofuse.NodeCopyFileRanger = (*node)(nil)
)

// WrapChild wraps every inode the loopback creates below this one.
func (n *node) WrapChild(ctx context.Context, ops gofuse.InodeEmbedder) gofuse.InodeEmbedder {
	loopback, ok := ops.(*gofuse.LoopbackNode)
	if !ok {
		return ops
	}
	return &node{LoopbackNode: loopback, bridge: n.bridge}
}

// hostPath is the backing path for the node's current name.
func (n *node) hostPath() string {
	return filepath.Join(n.bridge.root, n.Path(nil))
}

func (n *node) child(name string) string {
	return filepath.Join(n.hostPath(), name)
}

func (n *node) track() (done func()) {
	return n.bridge.engine.TrackOperation()
}

func exists(path string) bool {
	var st unix.Stat_t
	return unix.Lstat(path, &st) == nil
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	defer n.track()()
	path := n.child(name)
	existed := exists(path)
	if existed && flags&syscall.O_TRUNC != 0 {
		if err := n.bridge.engine.PreOpenTrunc(ctx, path); err != nil {
			return nil, nil, 0, n.bridge.refuse("create", path, err)
		}
	}

	inode, fh, fuseFlags, errno := n.LoopbackNode.Create(ctx, name, flags, mode, out)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	if !existed {
		if err := n.bridge.engine.PostCreate(ctx, path); err != nil {
			if releaser, ok := fh.(gofuse.FileReleaser); ok {
				releaser.Release(ctx)
			}
			unix.Unlink(path)
			return nil, nil, 0, n.bridge.refuse("create", path, err)
		}
	}
	return inode, n.bridge.wrapFile(fh, inode), fuseFlags, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	defer n.track()()
	if flags&syscall.O_TRUNC != 0 && flags&syscall.O_ACCMODE != syscall.O_RDONLY {
		if err := n.bridge.engine.PreOpenTrunc(ctx, n.hostPath()); err != nil {
			return nil, 0, n.bridge.refuse("open", n.hostPath(), err)
		}
	}
	fh, fuseFlags, errno := n.LoopbackNode.Open(ctx, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return n.bridge.wrapFile(fh, n.EmbeddedInode()), fuseFlags, 0
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	defer n.track()()
	inode, errno := n.LoopbackNode.Mkdir(ctx, name, mode, out)
	if errno != 0 {
		return nil, errno
	}
	path := n.child(name)
	if err := n.bridge.engine.PostMkdir(ctx, path); err != nil {
		unix.Rmdir(path)
		return nil, n.bridge.refuse("mkdir", path, err)
	}
	return inode, 0
}

func (n *node) Mknod(ctx context.Context, name string, mode, rdev uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	defer n.track()()
	inode, errno := n.LoopbackNode.Mknod(ctx, name, mode, rdev, out)
	if errno != 0 {
		return nil, errno
	}
	path := n.child(name)
	if err := n.bridge.engine.PostCreate(ctx, path); err != nil {
		unix.Unlink(path)
		return nil, n.bridge.refuse("mknod", path, err)
	}
	return inode, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	defer n.track()()
	path := n.child(name)
	if err := n.bridge.engine.PreUnlink(ctx, path, false); err != nil {
		return n.bridge.refuse("unlink", path, err)
	}
	return n.LoopbackNode.Unlink(ctx, name)
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	defer n.track()()
	path := n.child(name)
	if err := n.bridge.engine.PreUnlink(ctx, path, true); err != nil {
		return n.bridge.refuse("rmdir", path, err)
	}
	return n.LoopbackNode.Rmdir(ctx, name)
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	defer n.track()()
	from := n.child(name)
	to := filepath.Join(n.bridge.root, newParent.EmbeddedInode().Path(nil), newName)
	if err := n.bridge.engine.PreRename(ctx, from, to); err != nil {
		return n.bridge.refuse("rename", from, err)
	}
	return n.LoopbackNode.Rename(ctx, name, newParent, newName, flags)
}

func (n *node) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	defer n.track()()
	path := n.hostPath()
	if err := n.bridge.engine.PreSetattr(ctx, path); err != nil {
		return n.bridge.refuse("setattr", path, err)
	}
	return n.LoopbackNode.Setattr(ctx, f, in, out)
}

func (n *node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	defer n.track()()
	path := n.hostPath()
	if err := n.bridge.engine.PreXattr(ctx, path); err != nil {
		return n.bridge.refuse("setxattr", path, err)
	}
	return n.LoopbackNode.Setxattr(ctx, attr, data, flags)
}

func (n *node) Removexattr(ctx context.Context, attr string) syscall.Errno {
	defer n.track()()
	path := n.hostPath()
	if err := n.bridge.engine.PreXattr(ctx, path); err != nil {
		return n.bridge.refuse("removexattr", path, err)
	}
	return n.LoopbackNode.Removexattr(ctx, attr)
}

func (n *node) Link(ctx context.Context, target gofuse.InodeEmbedder, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	defer n.track()()
	targetPath := filepath.Join(n.bridge.root, target.EmbeddedInode().Path(nil))
	link := n.child(name)
	if err := n.bridge.engine.PreLink(ctx, targetPath, link); err != nil {
		return nil, n.bridge.refuse("link", link, err)
	}
	return n.LoopbackNode.Link(ctx, target, name, out)
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	defer n.track()()
	inode, errno := n.LoopbackNode.Symlink(ctx, target, name, out)
	if errno != 0 {
		return nil, errno
	}
	link := n.child(name)
	if err := n.bridge.engine.PostSymlink(ctx, target, link); err != nil {
		unix.Unlink(link)
		return nil, n.bridge.refuse("symlink", link, err)
	}
	return inode, 0
}

// CopyFileRange copies between two handles of this mount with
// copy_file_range(2) on the backing descriptors.
func (n *node) CopyFileRange(ctx context.Context, fhIn gofuse.FileHandle, offIn uint64, out *gofuse.Inode, fhOut gofuse.FileHandle, offOut uint64, length uint64, flags uint64) (uint32, syscall.Errno) {
	defer n.track()()
	source, okIn := fhIn.(*file)
	destination, okOut := fhOut.(*file)
	if !okIn || !okOut {
		return 0, syscall.ENOTSUP
	}
	sourceFd, okIn := source.fd()
	destinationFd, okOut := destination.fd()
	if !okIn || !okOut {
		// The kernel falls back to read and write, which reach Write.
		return 0, syscall.ENOSYS
	}

	path := destination.hostPath()
	if err := n.bridge.engine.PreCopyFileRange(ctx, path); err != nil {
		return 0, n.bridge.refuse("copy_file_range", path, err)
	}
	signedIn, signedOut := int64(offIn), int64(offOut)
	written, err := unix.CopyFileRange(sourceFd, &signedIn, destinationFd, &signedOut, int(length), int(flags))
	if err != nil {
		return 0, gofuse.ToErrno(err)
	}
	return uint32(written), 0
}
