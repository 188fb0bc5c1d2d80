// Package shm manages named shared-memory buffers used to move tensor
// bytes between the runtime and the driver daemon without copying them
// through the RPC payload.
package shm

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"npud/internal/nrt"
)

// ProtReadWrite is the protection word passed to the driver's shm_map.
const ProtReadWrite = uint32(unix.PROT_READ | unix.PROT_WRITE)

const (
	shmDir      = "/dev/shm"
	namePrefix  = "/neuron_clib_"
	nameRetries = 64
	shmFileMode = 0666
)

var shmSeq atomic.Uint64

// Buffer is one page-backed shared-memory allocation. Buffers are owned by
// the pool; descriptors hold non-owning references and return them with
// Pool.Free.
type Buffer struct {
	size int
	data []byte
	path string
}

func (b *Buffer) Size() int     { return b.size }
func (b *Buffer) Bytes() []byte { return b.data }
func (b *Buffer) Path() string  { return b.path }

// newBuffer mints a fresh named object, truncates it to size and maps it
// writable. The object stays linked until the driver has mapped it too.
func newBuffer(size int) (*Buffer, error) {
	for i := 0; i < nameRetries; i++ {
		name := fmt.Sprintf("%s%d_%d", namePrefix, os.Getpid(), shmSeq.Add(1))
		fd, err := unix.Open(shmDir+name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, shmFileMode)
		if err == unix.EEXIST {
			continue
		}
		if err != nil {
			return nil, status.Errorf(codes.Internal, "shm_open %s: %v", name, err)
		}
		if err := unix.Fchmod(fd, shmFileMode); err != nil {
			unix.Close(fd)
			unix.Unlink(shmDir + name)
			return nil, status.Errorf(codes.Internal, "fchmod %s: %v", name, err)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			unix.Unlink(shmDir + name)
			return nil, status.Errorf(codes.Internal, "ftruncate %s: %v", name, err)
		}
		data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		unix.Close(fd)
		if err != nil {
			unix.Unlink(shmDir + name)
			return nil, status.Errorf(codes.Internal, "mmap %s: %v", name, err)
		}
		return &Buffer{size: size, data: data, path: name}, nil
	}
	return nil, status.Error(codes.ResourceExhausted,
		"cannot generate unique file name for shared memory")
}

// unlink drops the filesystem name; the mapping stays alive.
func (b *Buffer) unlink() {
	unix.Unlink(shmDir + b.path)
}

// destroy unmaps the buffer and removes the name if it still exists.
func (b *Buffer) destroy() {
	if b.data != nil {
		unix.Munmap(b.data)
		b.data = nil
	}
	b.unlink()
}

// Pool hands out shared-memory buffers recycled by exact size. A driver
// that reports shared memory as unsupported flips the pool permanently to
// invalid; callers then fall back to inline RPC transport.
type Pool struct {
	mu      sync.Mutex
	driver  nrt.Driver
	log     zerolog.Logger
	free    map[int][]*Buffer
	all     []*Buffer
	invalid bool
}

// NewPool builds a pool registered against the given driver connection.
func NewPool(driver nrt.Driver, log zerolog.Logger) *Pool {
	return &Pool{
		driver: driver,
		log:    log,
		free:   make(map[int][]*Buffer),
	}
}

// Valid reports whether the pool can still hand out buffers.
func (p *Pool) Valid() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.invalid
}

// Allocate returns a buffer of exactly size bytes, or nil when shared
// memory is unavailable; a nil return means the caller must transport the
// payload inline.
func (p *Pool) Allocate(ctx context.Context, size int) *Buffer {
	p.mu.Lock()
	if p.invalid {
		p.mu.Unlock()
		return nil
	}
	if lst := p.free[size]; len(lst) > 0 {
		b := lst[len(lst)-1]
		p.free[size] = lst[:len(lst)-1]
		p.mu.Unlock()
		return b
	}
	p.mu.Unlock()

	b, err := newBuffer(size)
	if err != nil {
		p.log.Warn().Err(err).Int("size", size).Msg("shared memory allocation failed")
		return nil
	}
	if err := p.driver.ShmMap(ctx, b.Path(), ProtReadWrite); err != nil {
		b.destroy()
		if nrt.IsShmUnsupported(err) {
			p.mu.Lock()
			p.invalid = true
			p.mu.Unlock()
			p.log.Warn().Err(err).Msg("driver has no shared memory support; falling back to inline transport")
		} else {
			p.log.Warn().Err(err).Str("path", b.Path()).Msg("driver shm_map failed")
		}
		return nil
	}
	b.unlink()

	// Re-check under the lock: the pool may have gone invalid while the
	// buffer was being minted.
	p.mu.Lock()
	if p.invalid {
		p.mu.Unlock()
		p.driver.ShmUnmap(ctx, b.Path(), ProtReadWrite)
		b.destroy()
		return nil
	}
	p.all = append(p.all, b)
	p.mu.Unlock()
	p.log.Debug().Str("path", b.Path()).Int("size", size).Msg("shared memory buffer ready")
	return b
}

// Free returns a buffer to the size-indexed free-list.
func (p *Pool) Free(b *Buffer) {
	if b == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free[b.size] = append(p.free[b.size], b)
}

// Clear unregisters, unmaps and drops every buffer the pool ever minted.
func (p *Pool) Clear(ctx context.Context) {
	p.mu.Lock()
	all := p.all
	p.all = nil
	p.free = make(map[int][]*Buffer)
	p.mu.Unlock()
	for _, b := range all {
		if err := p.driver.ShmUnmap(ctx, b.Path(), ProtReadWrite); err != nil {
			p.log.Warn().Err(err).Str("path", b.Path()).Msg("driver shm_unmap failed")
		}
		b.destroy()
	}
}
