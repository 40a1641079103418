//go:build !linux

package reactor

type fdConn struct{}

func (c *fdConn) Fd() int                     { return -1 }
func (c *fdConn) Read(p []byte) (int, error)  { return 0, ErrUnsupported }
func (c *fdConn) Write(p []byte) (int, error) { return 0, ErrUnsupported }
func (c *fdConn) SocketError() error          { return ErrUnsupported }
func (c *fdConn) Close() error                { return nil }

type fdListener struct{}

func (l *fdListener) Fd() int                          { return -1 }
func (l *fdListener) Addr() string                     { return "" }
func (l *fdListener) Accept() (*fdConn, string, error) { return nil, "", ErrUnsupported }
func (l *fdListener) Close() error                     { return nil }

func listenTCP(addr string) (*fdListener, error) { return nil, ErrUnsupported }
func dialTCP(addr string) (*fdConn, error)       { return nil, ErrUnsupported }

func newPoller(maxEvents int) (poller, error) { return nil, ErrUnsupported }

