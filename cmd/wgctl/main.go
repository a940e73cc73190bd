package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/wojciechozga/wireguard-rs/src/control"
	"github.com/wojciechozga/wireguard-rs/src/version"
)

const protocolVersion = 1

func main() {
	os.Exit(run())
}

func run() int {
	ifname := flag.String("interface", "wg0", "interface name the daemon was started with")
	socket := flag.String("socket", "", "control socket path, overrides -interface")
	ver := flag.Bool("version", false, "prints the version of this build")
	flag.Parse()

	if *ver {
		fmt.Println("Build name:", version.BuildName())
		fmt.Println("Build version:", version.BuildVersion())
		return 0
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 1
	}

	path := *socket
	if path == "" {
		path = control.SocketPath(*ifname)
	}

	switch args[0] {
	case "get":
		return get(path, os.Stdout)
	case "show":
		return show(path)
	case "set":
		return set(path, args[1:])
	default:
		usage()
		return 1
	}
}

func usage() {
	fmt.Println("Usage:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  get                    dump the raw configuration")
	fmt.Println("  show                   print the configuration as a table")
	fmt.Println("  set key=value ...      apply configuration items")
}

func dial(path string) (net.Conn, error) {
	return net.DialTimeout("unix", path, time.Second*5)
}

// request sends one framed request and returns the response lines up to
// the terminating blank line.
func request(path string, frame string) ([]string, error) {
	conn, err := dial(path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, frame); err != nil {
		return nil, err
	}
	reader := bufio.NewReader(conn)
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

// checkStatus strips the errno line and turns a non-zero status into an
// error.
func checkStatus(lines []string) ([]string, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty response")
	}
	last := lines[len(lines)-1]
	if last != "errno=0" {
		return nil, fmt.Errorf("daemon replied %s", last)
	}
	return lines[:len(lines)-1], nil
}

func get(path string, w io.Writer) int {
	lines, err := request(path, fmt.Sprintf("GET %d\n\n", protocolVersion))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	lines, err = checkStatus(lines)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	return 0
}

func set(path string, items []string) int {
	if len(items) == 0 {
		fmt.Fprintln(os.Stderr, "Error: set needs at least one key=value item")
		return 1
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SET %d\n", protocolVersion)
	for _, item := range items {
		if !strings.Contains(item, "=") {
			fmt.Fprintf(os.Stderr, "Error: malformed item %q\n", item)
			return 1
		}
		fmt.Fprintf(&b, "%s\n", item)
	}
	b.WriteString("\n")
	lines, err := request(path, b.String())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if _, err := checkStatus(lines); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// show renders the interface settings and one row per peer.
func show(path string) int {
	lines, err := request(path, fmt.Sprintf("GET %d\n\n", protocolVersion))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	lines, err = checkStatus(lines)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}

	type peer struct {
		publicKey  string
		endpoint   string
		allowedIPs []string
	}
	var peers []*peer
	var current *peer
	for _, line := range lines {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "private_key":
			fmt.Println("Private key:", value)
		case "listen_port":
			fmt.Println("Listen port:", value)
		case "public_key":
			current = &peer{publicKey: value}
			peers = append(peers, current)
		case "endpoint":
			if current != nil {
				current.endpoint = value
			}
		case "allowed_ip":
			if current != nil {
				current.allowedIPs = append(current.allowedIPs, value)
			}
		}
	}

	if len(peers) == 0 {
		fmt.Println("No peers configured")
		return 0
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetHeader([]string{"Public Key", "Endpoint", "Allowed IPs"})
	for _, p := range peers {
		table.Append([]string{p.publicKey, p.endpoint, strings.Join(p.allowedIPs, ", ")})
	}
	table.Render()
	return 0
}
