// Package redisstub is a minimal in-process RESP2 server implementing the
// stream commands the redis event log relies on.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	certPEM  []byte

	mu       sync.Mutex
	streams  map[string]*redisStream
	commands map[string]int
	failNext map[string]string
	closed   chan struct{}
}

type redisStream struct {
	entries []streamEntry
}

type streamEntry struct {
	id     streamID
	fields []string
}

type streamID struct {
	ms  uint64
	seq uint64
}

func (id streamID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}

func (id streamID) less(other streamID) bool {
	if id.ms != other.ms {
		return id.ms < other.ms
	}
	return id.seq < other.seq
}

// parseID accepts "ms-seq", "ms", "-" and "+". Bare ms values resolve to the
// lowest sequence for a start bound and the highest for an end bound.
func parseID(raw string, end bool) (streamID, error) {
	switch raw {
	case "-":
		return streamID{}, nil
	case "+":
		return streamID{ms: ^uint64(0), seq: ^uint64(0)}, nil
	}
	msPart, seqPart, hasSeq := strings.Cut(raw, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", raw)
	}
	if !hasSeq {
		if end {
			return streamID{ms: ms, seq: ^uint64(0)}, nil
		}
		return streamID{ms: ms}, nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", raw)
	}
	return streamID{ms: ms, seq: seq}, nil
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		streams:  make(map[string]*redisStream),
		commands: make(map[string]int),
		failNext: make(map[string]string),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// CommandCount reports how many times a command was received.
func (s *Server) CommandCount(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[strings.ToUpper(cmd)]
}

// FailNext makes the next invocation of cmd reply with msg as an error.
func (s *Server) FailNext(cmd, msg string) {
	s.mu.Lock()
	s.failNext[strings.ToUpper(cmd)] = msg
	s.mu.Unlock()
}

// Len returns the number of entries stored under key.
func (s *Server) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[key]; ok {
		return len(strm.entries)
	}
	return 0
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		s.mu.Lock()
		s.commands[cmd]++
		failure, fail := s.failNext[cmd]
		delete(s.failNext, cmd)
		s.mu.Unlock()

		var werr error
		switch {
		case fail:
			werr = writeError(writer, failure)
		case cmd == "AUTH":
			if args[len(args)-1] == s.opts.Password || s.opts.Password == "" {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case cmd == "HELLO":
			// RESP3 negotiation is not supported; clients fall back to RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case cmd == "SELECT" || cmd == "CLIENT":
			werr = writeSimpleString(writer, "OK")
		case !authenticated:
			werr = writeError(writer, "NOAUTH Authentication required.")
		case cmd == "PING":
			werr = writeSimpleString(writer, "PONG")
		default:
			werr = s.dispatch(writer, cmd, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "XADD":
		return s.handleXAdd(writer, args)
	case "XRANGE":
		return s.handleRange(writer, args, false)
	case "XREVRANGE":
		return s.handleRange(writer, args, true)
	case "XLEN":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'xlen'")
		}
		return writeInteger(writer, int64(s.Len(args[1])))
	case "DEL":
		s.mu.Lock()
		removed := 0
		for _, key := range args[1:] {
			if _, ok := s.streams[key]; ok {
				delete(s.streams, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(writer, int64(removed))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) handleXAdd(writer *bufio.Writer, args []string) error {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return writeError(writer, "ERR wrong number of arguments for 'xadd'")
	}
	key := args[1]
	s.mu.Lock()
	strm, ok := s.streams[key]
	if !ok {
		strm = &redisStream{}
		s.streams[key] = strm
	}
	var top streamID
	if n := len(strm.entries); n > 0 {
		top = strm.entries[n-1].id
	}
	var id streamID
	if args[2] == "*" {
		id = streamID{ms: uint64(time.Now().UnixMilli())}
		if !top.less(id) {
			id = streamID{ms: top.ms, seq: top.seq + 1}
		}
	} else {
		parsed, err := parseID(args[2], false)
		if err != nil {
			s.mu.Unlock()
			return writeError(writer, "ERR Invalid stream ID specified as stream command argument")
		}
		if (parsed == streamID{}) || (len(strm.entries) > 0 && !top.less(parsed)) {
			s.mu.Unlock()
			return writeError(writer, "ERR The ID specified in XADD is equal or smaller than the target stream top item")
		}
		id = parsed
	}
	strm.entries = append(strm.entries, streamEntry{id: id, fields: append([]string(nil), args[3:]...)})
	s.mu.Unlock()
	return writeBulkString(writer, id.String())
}

func (s *Server) handleRange(writer *bufio.Writer, args []string, reverse bool) error {
	if len(args) != 4 && len(args) != 6 {
		return writeError(writer, "ERR wrong number of arguments")
	}
	first, second := args[2], args[3]
	if reverse {
		first, second = second, first
	}
	start, err := parseID(first, false)
	if err != nil {
		return writeError(writer, "ERR Invalid stream ID specified as stream command argument")
	}
	end, err := parseID(second, true)
	if err != nil {
		return writeError(writer, "ERR Invalid stream ID specified as stream command argument")
	}
	count := -1
	if len(args) == 6 {
		if !strings.EqualFold(args[4], "COUNT") {
			return writeError(writer, "ERR syntax error")
		}
		count, err = strconv.Atoi(args[5])
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
	}

	s.mu.Lock()
	var matched []streamEntry
	if strm, ok := s.streams[args[1]]; ok {
		for _, entry := range strm.entries {
			if entry.id.less(start) || end.less(entry.id) {
				continue
			}
			matched = append(matched, entry)
		}
	}
	s.mu.Unlock()

	if reverse {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if count >= 0 && len(matched) > count {
		matched = matched[:count]
	}
	records := make([]interface{}, 0, len(matched))
	for _, entry := range matched {
		fields := make([]interface{}, 0, len(entry.fields))
		for _, field := range entry.fields {
			fields = append(fields, field)
		}
		records = append(records, []interface{}{entry.id.String(), fields})
	}
	return writeArray(writer, records)
}

func generateSelfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		switch v := value.(type) {
		case []interface{}:
			if err := writeArrayRaw(w, v); err != nil {
				return err
			}
		default:
			s := fmt.Sprint(v)
			if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
