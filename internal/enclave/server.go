package enclave

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Framing selects how requests and responses are delimited on the stream.
type Framing string

const (
	// FramingNewline delimits each JSON object with '\n'.
	FramingNewline Framing = "newline"
	// FramingLength prefixes each JSON object with a 4-byte big-endian length.
	FramingLength Framing = "length"
)

// Frames larger than this are rejected. A length-prefixed frame is checked
// before its body is read; a newline frame only after the whole line is read.
const maxFrameSize = 1 << 20

// Server reads framed commands from a local stream socket, dispatches them
// and writes framed responses. One goroutine per connection, bounded by a
// worker semaphore.
type Server struct {
	dispatcher *Dispatcher
	addr       string
	framing    Framing
	workers    int
}

// NewServer builds a transport server bound to addr (host:port).
func NewServer(d *Dispatcher, addr string, framing Framing, workers int) *Server {
	if workers <= 0 {
		workers = 1
	}
	return &Server{dispatcher: d, addr: addr, framing: framing, workers: workers}
}

// Start accepts connections until ctx is cancelled. It blocks.
func (s *Server) Start(ctx context.Context) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", s.addr, err)
	}
	log.Infof("Enclave server is running on %s (framing=%s, workers=%d)", s.addr, s.framing, s.workers)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Warnf("Accept failed: %v", err)
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.handleConn(ctx, conn)
		}()
	}
	wg.Wait()
	log.Info("Enclave server stopped")
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.New().String()
	defer conn.Close()
	log.Debugf("Connection %s opened from %s", connID, conn.RemoteAddr())

	reader := bufio.NewReader(conn)
	for {
		frame, err := readFrame(reader, s.framing)
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Debugf("Connection %s read error: %v", connID, err)
			}
			return
		}
		// a request cancelled before dispatch touches no state
		if ctx.Err() != nil {
			return
		}

		resp := s.dispatcher.Dispatch(frame)
		out, err := json.Marshal(resp)
		if err != nil {
			log.Errorf("Connection %s response marshal failed: %v", connID, err)
			return
		}
		if err := writeFrame(conn, s.framing, out); err != nil {
			log.Debugf("Connection %s write error: %v", connID, err)
			return
		}
	}
}

func readFrame(r *bufio.Reader, framing Framing) ([]byte, error) {
	switch framing {
	case FramingLength:
		var header [4]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}
		size := binary.BigEndian.Uint32(header[:])
		if size == 0 || size > maxFrameSize {
			return nil, fmt.Errorf("frame size %d out of range", size)
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(r, frame); err != nil {
			return nil, err
		}
		return frame, nil

	default:
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if len(line) > maxFrameSize {
			return nil, errors.New("frame too large")
		}
		return line, nil
	}
}

func writeFrame(w io.Writer, framing Framing, frame []byte) error {
	switch framing {
	case FramingLength:
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
		if _, err := w.Write(header[:]); err != nil {
			return err
		}
		_, err := w.Write(frame)
		return err

	default:
		_, err := w.Write(append(frame, '\n'))
		return err
	}
}
