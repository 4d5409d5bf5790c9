package wasi

// Rights is a capability bitmask attached to a file descriptor. A syscall
// must hold the specific right before performing the corresponding
// operation; the guest cannot name a capability it was never handed.
type Rights uint64

const (
	FileRights      = RightsFdAdvise | RightsFdAllocate | RightsFdDatasync | RightsFdFdstatSetFlags | RightsFdFilestatGet | RightsFdFilestatSetSize | RightsFdFilestatSetTimes | RightsFdRead | RightsFdSeek | RightsFdSync | RightsFdTell | RightsFdWrite | RightsPollFdReadwrite
	DirectoryRights = RightsFdReaddir | RightsPathCreateDirectory | RightsPathCreateFile | RightsPathFilestatGet | RightsPathFilestatSetSize | RightsPathFilestatSetTimes | RightsPathLinkSource | RightsPathLinkTarget | RightsPathOpen | RightsPathReadlink | RightsPathRemoveDirectory | RightsPathRenameSource | RightsPathRenameTarget | RightsPathSymlink | RightsPathUnlinkFile
	SocketRights    = RightsFdRead | RightsFdWrite | RightsPollFdReadwrite | RightsSockShutdown | RightsSockAccept | RightsSockConnect | RightsSockListen | RightsSockBind | RightsSockRecv | RightsSockSend | RightsSockRecvFrom | RightsSockSendTo
	AllRights       = FileRights | DirectoryRights | SocketRights

	ReadOnlyRights = RightsFdRead | RightsFdSeek | RightsFdTell | RightsFdAdvise | RightsPathOpen | RightsFdReaddir | RightsPathReadlink | RightsPathFilestatGet | RightsFdFilestatGet | RightsPollFdReadwrite

	// The right to invoke `fd_datasync`.
	RightsFdDatasync Rights = 1 << 0

	// The right to invoke `fd_read` and `sock_recv`.
	// If `rights::fd_seek` is set, includes the right to invoke `fd_pread`.
	RightsFdRead Rights = 1 << 1

	// The right to invoke `fd_seek`. This flag implies `rights::fd_tell`.
	RightsFdSeek Rights = 1 << 2

	// The right to invoke `fd_fdstat_set_flags`.
	RightsFdFdstatSetFlags Rights = 1 << 3

	// The right to invoke `fd_sync`.
	RightsFdSync Rights = 1 << 4

	// The right to invoke `fd_tell`, or `fd_seek` in such a way that the
	// file offset remains unaltered.
	RightsFdTell Rights = 1 << 5

	// The right to invoke `fd_write` and `sock_send`.
	// If `rights::fd_seek` is set, includes the right to invoke `fd_pwrite`.
	RightsFdWrite Rights = 1 << 6

	// The right to invoke `fd_advise`.
	RightsFdAdvise Rights = 1 << 7

	// The right to invoke `fd_allocate`.
	RightsFdAllocate Rights = 1 << 8

	// The right to invoke `path_create_directory`.
	RightsPathCreateDirectory Rights = 1 << 9

	// If `path_open` is set, the right to invoke `path_open` with `oflags::creat`.
	RightsPathCreateFile Rights = 1 << 10

	// The right to invoke `path_link` with the file descriptor as the
	// source directory.
	RightsPathLinkSource Rights = 1 << 11

	// The right to invoke `path_link` with the file descriptor as the
	// target directory.
	RightsPathLinkTarget Rights = 1 << 12

	// The right to invoke `path_open`.
	RightsPathOpen Rights = 1 << 13

	// The right to invoke `fd_readdir`.
	RightsFdReaddir Rights = 1 << 14

	// The right to invoke `path_readlink`.
	RightsPathReadlink Rights = 1 << 15

	// The right to invoke `path_rename` with the file descriptor as the source directory.
	RightsPathRenameSource Rights = 1 << 16

	// The right to invoke `path_rename` with the file descriptor as the target directory.
	RightsPathRenameTarget Rights = 1 << 17

	// The right to invoke `path_filestat_get`.
	RightsPathFilestatGet Rights = 1 << 18

	// The right to change a file's size (there is no `path_filestat_set_size`).
	// If `path_open` is set, includes the right to invoke `path_open` with `oflags::trunc`.
	RightsPathFilestatSetSize Rights = 1 << 19

	// The right to invoke `path_filestat_set_times`.
	RightsPathFilestatSetTimes Rights = 1 << 20

	// The right to invoke `fd_filestat_get`.
	RightsFdFilestatGet Rights = 1 << 21

	// The right to invoke `fd_filestat_set_size`.
	RightsFdFilestatSetSize Rights = 1 << 22

	// The right to invoke `fd_filestat_set_times`.
	RightsFdFilestatSetTimes Rights = 1 << 23

	// The right to invoke `path_symlink`.
	RightsPathSymlink Rights = 1 << 24

	// The right to invoke `path_remove_directory`.
	RightsPathRemoveDirectory Rights = 1 << 25

	// The right to invoke `path_unlink_file`.
	RightsPathUnlinkFile Rights = 1 << 26

	// If `rights::fd_read` is set, includes the right to invoke `poll_oneoff`
	// to subscribe to `eventtype::fd_read`; likewise for `fd_write`.
	RightsPollFdReadwrite Rights = 1 << 27

	// The right to invoke `sock_shutdown`.
	RightsSockShutdown Rights = 1 << 28

	// The right to invoke `sock_accept`.
	RightsSockAccept Rights = 1 << 29

	// The right to invoke `sock_connect`.
	RightsSockConnect Rights = 1 << 30

	// The right to invoke `sock_listen`.
	RightsSockListen Rights = 1 << 31

	// The right to invoke `sock_bind`.
	RightsSockBind Rights = 1 << 32

	// The right to invoke `sock_recv`.
	RightsSockRecv Rights = 1 << 33

	// The right to invoke `sock_send`.
	RightsSockSend Rights = 1 << 34

	// The right to invoke `sock_recv_from`.
	RightsSockRecvFrom Rights = 1 << 35

	// The right to invoke `sock_send_to`.
	RightsSockSendTo Rights = 1 << 36
)

// Has reports whether every right in want is present in r.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}
