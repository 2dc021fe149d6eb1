package link

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/ttbridge/pkg/ttproto"
)

const writeTimeout = 10 * time.Second

// lineConn wraps the remote TCP connection. Writes are serialized so a line is
// never interleaved with another, and Close reaches the socket only once.
type lineConn struct {
	conn      net.Conn
	mu        sync.Mutex // protects writes to conn
	closeOnce sync.Once

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newLineConn(conn net.Conn) *lineConn {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return &lineConn{conn: conn}
}

// WriteCommand encodes and sends one command line
func (lc *lineConn) WriteCommand(cmd ttproto.Command) error {
	line := ttproto.Encode(cmd)

	lc.mu.Lock()
	defer lc.mu.Unlock()

	lc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	n, err := lc.conn.Write([]byte(line))
	lc.bytesOut.Add(int64(n))
	return err
}

// Read reads raw bytes from the remote server. Only the reader goroutine calls it.
func (lc *lineConn) Read(p []byte) (int, error) {
	n, err := lc.conn.Read(p)
	lc.bytesIn.Add(int64(n))
	return n, err
}

// Close closes the underlying connection the first time it is called
func (lc *lineConn) Close() error {
	var err error
	lc.closeOnce.Do(func() {
		err = lc.conn.Close()
	})
	return err
}

// RemoteAddr returns the remote network address
func (lc *lineConn) RemoteAddr() net.Addr {
	return lc.conn.RemoteAddr()
}
