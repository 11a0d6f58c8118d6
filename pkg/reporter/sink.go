package reporter

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// NotWritableError is returned when the configured report file cannot be
// opened for writing.
type NotWritableError struct {
	Path string
	Err  error
}

func (e *NotWritableError) Error() string {
	return fmt.Sprintf("report file: %s is not writable", e.Path)
}

// Unwrap returns the underlying open error.
func (e *NotWritableError) Unwrap() error {
	return e.Err
}

// sink is one destination for encoded lines. Every write is flushed before it
// returns.
type sink interface {
	name() string
	writeLine(line []byte) error
	close() error
}

type fileSink struct {
	path string
	file *os.File
	w    *bufio.Writer
}

func openFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, &NotWritableError{Path: path, Err: err}
	}

	return &fileSink{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

func (s *fileSink) name() string { return "file" }

func (s *fileSink) writeLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("writing to report file %s: %w", s.path, err)
	}

	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing report file %s: %w", s.path, err)
	}

	return nil
}

func (s *fileSink) close() error {
	flushErr := s.w.Flush()
	closeErr := s.file.Close()

	return errors.Join(flushErr, closeErr)
}

type socketSink struct {
	addr string
	conn net.Conn
	w    *bufio.Writer
}

func dialSocketSink(host string, port int, timeout time.Duration) (*socketSink, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("report socket: cannot connect to %s: %w", addr, err)
	}

	return &socketSink{addr: addr, conn: conn, w: bufio.NewWriter(conn)}, nil
}

func (s *socketSink) name() string { return "socket" }

func (s *socketSink) writeLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("writing to report socket %s: %w", s.addr, err)
	}

	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing report socket %s: %w", s.addr, err)
	}

	return nil
}

func (s *socketSink) close() error {
	flushErr := s.w.Flush()
	closeErr := s.conn.Close()

	return errors.Join(flushErr, closeErr)
}
