package port

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// readTimeout bounds how long a listener waits for a sender to finish writing.
const readTimeout = 5 * time.Second

// Handler is called once per inbound message. A non-empty return value is
// written back to the sender as the reply.
type Handler func(data []byte) []byte

// Listener serves one bound port on its own goroutine.
type Listener struct {
	port      *Port
	listener  net.Listener
	file      os.FileInfo
	handler   Handler
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds the port and starts serving it in the background. The socket
// is bound before Listen returns, so messages sent afterwards are never lost.
// A stale socket file left by a previous process is removed first; a socket
// that still answers belongs to a live listener and yields ErrInUse.
func (p *Port) Listen(handler Handler) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return nil, fmt.Errorf("%s: create socket directory: %w", p.name, err)
	}

	if p.Reachable() {
		return nil, fmt.Errorf("%s: %w", p.name, ErrInUse)
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: remove stale socket: %w", p.name, err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: p.path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%s: listen: %w", p.name, err)
	}
	// Close removes the file itself, and only while it is still ours.
	ln.SetUnlinkOnClose(false)

	if err := os.Chmod(p.path, 0600); err != nil {
		ln.Close()
		os.Remove(p.path)
		return nil, fmt.Errorf("%s: set socket permissions: %w", p.name, err)
	}

	info, err := os.Stat(p.path)
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("%s: stat socket: %w", p.name, err)
	}

	l := &Listener{
		port:     p,
		listener: ln,
		file:     info,
		handler:  handler,
		done:     make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// Close stops accepting messages, waits for in-flight handlers and removes
// the socket file unless another listener has replaced it since. Safe to
// call more than once.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.listener.Close()
		l.wg.Wait()

		info, statErr := os.Stat(l.port.path)
		if statErr != nil || !os.SameFile(info, l.file) {
			return
		}
		if rmErr := os.Remove(l.port.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	})
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("%s: accept error: %v", l.port.name, err)
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(conn)
		}()
	}
}

// handleConnection reads one whole message, runs the handler and writes the
// reply, if any.
func (l *Listener) handleConnection(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}

	data, err := io.ReadAll(io.LimitReader(conn, MaxMessageSize))
	if err != nil {
		log.Printf("%s: read error: %v", l.port.name, err)
		return
	}
	if len(data) == 0 {
		// Reachability probes connect and hang up without a message.
		return
	}

	reply := l.handler(data)
	if len(reply) == 0 {
		return
	}

	if err := conn.SetWriteDeadline(time.Now().Add(l.port.replyTimeout)); err != nil {
		return
	}
	if _, err := conn.Write(reply); err != nil {
		// Fire-and-forget senders hang up without reading.
		log.Printf("%s: reply not delivered: %v", l.port.name, err)
	}
}
