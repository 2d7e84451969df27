// Package server exposes the record store and the runner over a TCP line
// protocol. Each request is one line; each reply is "OK [json]", "PONG" or
// "ERR <message>".
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"go.uber.org/zap"
)

// MaxConnections bounds the number of connections served at once.
const MaxConnections = 100

// Store is the part of the record store exposed over TCP.
type Store interface {
	sdk.RecordReader
	InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

type Router struct {
	store  Store
	runner sdk.Runner
	log    *zap.Logger
	cert   *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
}

// NewRouter serves store and runner. runner may be nil, in which case RUN is refused.
func NewRouter(s Store, runner sdk.Runner, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{store: s, runner: runner, log: log}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Addr returns the listening address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	semaphore := make(chan struct{}, MaxConnections)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		// Set aggressive timeouts for light traffic to prevent resource exhaustion
		conn.SetDeadline(time.Now().Add(5 * time.Minute))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Stop closes the listener. Open connections finish their current command.
func (r *Router) Stop() error {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Close()
}

// HandleConnection serves commands from conn until QUIT, EOF or an idle timeout.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	for {
		// Set a deadline for the next command
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))

		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.log.Debug("connection closed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
			return // Connection closed or timeout
		}

		line = strings.TrimSpace(line)
		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		command := strings.ToUpper(parts[0])
		// Commands run to completion even if the client goes away.
		ctx := context.Background()

		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "LIST":
			order := schema.OrderCreatedDesc
			if len(parts) > 1 {
				order = schema.ParseOrder(parts[1])
			}
			list, err := r.store.ListRecords(ctx, order)
			writeResult(conn, list, err)

		case "GET":
			if len(parts) < 2 {
				writeErr(conn, errors.New("usage: GET <id>"))
				continue
			}
			rec, err := r.store.GetRecord(ctx, parts[1])
			writeResult(conn, rec, err)

		case "ADD":
			// The payload is everything after the command word.
			payload := strings.TrimSpace(line[len(parts[0]):])
			if payload == "" {
				writeErr(conn, errors.New("usage: ADD <json>"))
				continue
			}
			var in schema.NewRecord
			if err := json.Unmarshal([]byte(payload), &in); err != nil {
				fmt.Fprintln(conn, "ERR invalid json value")
				continue
			}
			// Ids are assigned by the store.
			in.ID = ""
			rec, err := r.store.InsertRecord(ctx, in)
			writeResult(conn, rec, err)

		case "DEL":
			if len(parts) < 2 {
				writeErr(conn, errors.New("usage: DEL <id>"))
				continue
			}
			writeResult(conn, nil, r.store.DeleteRecord(ctx, parts[1]))

		case "RUN":
			if len(parts) < 2 {
				writeErr(conn, errors.New("usage: RUN <id>"))
				continue
			}
			if r.runner == nil {
				writeErr(conn, errors.New("runner disabled"))
				continue
			}
			writeResult(conn, nil, r.runner.Trigger(ctx, parts[1]))

		case "QUIT":
			return

		default:
			writeErr(conn, fmt.Errorf("unknown command %s", command))
		}
	}
}

// writeResult answers "OK" (with v as JSON unless v is nil) or "ERR".
func writeResult(w io.Writer, v any, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	if v == nil {
		fmt.Fprintln(w, "OK")
		return
	}
	res, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(w, "ERR internal error")
		return
	}
	fmt.Fprintln(w, "OK", string(res))
}

// writeErr keeps multi-line errors (validation) on a single reply line.
func writeErr(w io.Writer, err error) {
	msg := strings.ReplaceAll(strings.TrimSpace(err.Error()), "\n", "; ")
	fmt.Fprintln(w, "ERR", msg)
}
