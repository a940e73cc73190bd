package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gologme/log"

	"github.com/wojciechozga/wireguard-rs/src/defaults"
	"github.com/wojciechozga/wireguard-rs/src/device"
)

// Server exposes the SET/GET configuration protocol over a unix socket.
// Each accepted connection gets its own goroutine; state access goes
// through the device, which serializes it.
type Server struct {
	dev      *device.Device
	log      *log.Logger
	path     string
	listener net.Listener
}

// SocketPath derives the control socket location from the interface
// name, so multiple interfaces on one host never collide.
func SocketPath(ifname string) string {
	return filepath.Join(defaults.GetDefaults().DefaultSocketDir, ifname+".sock")
}

func New(dev *device.Device, path string, logger *log.Logger) *Server {
	return &Server{
		dev:  dev,
		log:  logger,
		path: path,
	}
}

// Listen binds the control socket. A stale socket file left by a dead
// process is cleaned up; a socket with a live listener is a fatal
// collision.
func (s *Server) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		s.log.Debugln("Control socket", s.path, "already exists, trying to clean up")
		if _, err := net.DialTimeout("unix", s.path, time.Second*2); err == nil {
			return fmt.Errorf("control socket %s is in use by another process", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("control socket %s exists and was not cleaned up: %w", s.path, err)
		}
		s.log.Debugln(s.path, "was cleaned up")
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control socket listen: %w", err)
	}
	if err := os.Chmod(s.path, 0660); err != nil {
		s.log.Warnln("WARNING:", s.path, "may have unsafe permissions!")
	}
	s.listener = listener
	s.log.Infof("Control socket listening on %s", s.path)
	return nil
}

// Run accepts connections until the listener fails or the context ends.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("control accept: %w", err)
		}
		go s.handle(conn)
	}
}

func (s *Server) Close() error {
	if s.listener != nil {
		s.listener.Close()
	}
	return os.Remove(s.path)
}

// Protocol status lines. EINVAL covers malformed requests, EPERM covers
// requests that parsed but could not be applied.
const (
	replyOK      = "errno=0\n\n"
	replyInvalid = "errno=22\n\n"
	replyFailed  = "errno=1\n\n"
)

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		lines, err := readFrame(reader)
		if err != nil {
			return
		}
		if len(lines) == 0 {
			continue
		}
		verb, ok := parseRequestLine(lines[0])
		if !ok {
			conn.Write([]byte(replyInvalid))
			continue
		}
		switch verb {
		case "GET":
			if len(lines) > 1 {
				conn.Write([]byte(replyInvalid))
				continue
			}
			fmt.Fprintf(conn, "%s%s", s.dev.ConfigString(), replyOK)
		case "SET":
			events, err := parseItems(lines[1:])
			if err != nil {
				s.log.Debugf("control set: %v", err)
				conn.Write([]byte(replyInvalid))
				continue
			}
			if err := s.apply(events); err != nil {
				s.log.Warnf("control set: %v", err)
				conn.Write([]byte(replyFailed))
				continue
			}
			conn.Write([]byte(replyOK))
		default:
			conn.Write([]byte(replyInvalid))
		}
	}
}

// apply queues every event, then collects the outcomes in order. The
// enqueue blocks on a full update queue, which backpressures the client.
func (s *Server) apply(events []device.UpdateEvent) error {
	results := make([]<-chan error, 0, len(events))
	for _, ev := range events {
		results = append(results, s.dev.EnqueueUpdate(ev))
	}
	for _, result := range results {
		if err := <-result; err != nil {
			return err
		}
	}
	return nil
}

// readFrame collects lines up to the terminating blank line.
func readFrame(reader *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func parseRequestLine(line string) (verb string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", false
	}
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return "", false
	}
	return fields[0], true
}

// parseItems turns key=value lines into update events. A public_key line
// opens a peer block; peer attributes attach to the open block until the
// next public_key or the end of the frame.
func parseItems(lines []string) ([]device.UpdateEvent, error) {
	var events []device.UpdateEvent
	var peer *device.PeerUpdate
	flush := func() {
		if peer != nil {
			events = append(events, *peer)
			peer = nil
		}
	}
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed item %q", line)
		}
		switch key {
		case "private_key":
			flush()
			k, err := device.ParsePrivateKey(value)
			if err != nil {
				return nil, err
			}
			events = append(events, device.PrivateKeyUpdate{Key: k})
		case "listen_port":
			flush()
			port, err := strconv.ParseUint(value, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid listen_port %q", value)
			}
			events = append(events, device.ListenPortUpdate{Port: uint16(port)})
		case "public_key":
			flush()
			k, err := device.ParsePublicKey(value)
			if err != nil {
				return nil, err
			}
			peer = &device.PeerUpdate{PublicKey: k}
		case "preshared_key":
			if peer == nil {
				return nil, fmt.Errorf("%s outside a peer block", key)
			}
			k, err := device.ParsePresharedKey(value)
			if err != nil {
				return nil, err
			}
			peer.PresharedKey = k
		case "endpoint":
			if peer == nil {
				return nil, fmt.Errorf("%s outside a peer block", key)
			}
			ep, err := netip.ParseAddrPort(value)
			if err != nil {
				return nil, fmt.Errorf("invalid endpoint %q: %w", value, err)
			}
			peer.Endpoint = ep
		case "allowed_ip":
			if peer == nil {
				return nil, fmt.Errorf("%s outside a peer block", key)
			}
			pfx, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed_ip %q: %w", value, err)
			}
			peer.AllowedIPs = append(peer.AllowedIPs, pfx)
		default:
			return nil, fmt.Errorf("unrecognized item key %q", key)
		}
	}
	flush()
	return events, nil
}
