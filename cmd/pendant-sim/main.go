// pendant-sim simulates the operator pendant for bench testing the
// host without hardware. It listens on a Unix socket or TCP address,
// waits for the host to connect, and forwards raw key bytes typed on
// stdin.
//
// The key layout matches the pendant protocol: digits enter values,
// Enter confirms, Esc cancels, and
//
//	t  touch-off     g  start        s  stop
//	m  measure unit  h/l  jog z -/+  j/k  jog x -/+
//	w  set parking   q  go parking   !  emergency stop
//
// Usage:
//
//	pendant-sim -socket /tmp/els_pendant
//	pendant-sim -tcp :9101
//
// Then point the host at it:
//
//	els -config ./lathe.cfg -device /tmp/els_pendant
//	els -config ./lathe.cfg -device tcp:localhost:9101
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	socketPath := flag.String("socket", "", "Unix socket path to listen on")
	tcpAddr := flag.String("tcp", "", "TCP address to listen on (e.g., :9101)")
	flag.Parse()

	if (*socketPath == "") == (*tcpAddr == "") {
		fmt.Fprintln(os.Stderr, "Error: exactly one of -socket or -tcp is required")
		flag.Usage()
		os.Exit(1)
	}

	var (
		ln  net.Listener
		err error
	)
	if *socketPath != "" {
		os.Remove(*socketPath)
		ln, err = net.Listen("unix", *socketPath)
	} else {
		ln, err = net.Listen("tcp", *tcpAddr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()
	if *socketPath != "" {
		defer os.Remove(*socketPath)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		ln.Close()
		if *socketPath != "" {
			os.Remove(*socketPath)
		}
		os.Exit(0)
	}()

	fmt.Println("pendant-sim: waiting for the host to connect...")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fmt.Println("pendant-sim: host connected, type keys (Ctrl+D to hang up)")
		serve(conn)
		fmt.Println("pendant-sim: host disconnected")
	}
}

// serve forwards stdin to the host one line at a time. Line input
// keeps the terminal cooked; a newline doubles as the Enter key since
// 0x0A is not a pendant code and 0x0D is.
func serve(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, 64)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			out := make([]byte, 0, n)
			for _, b := range buf[:n] {
				if b == '\n' {
					b = '\r'
				}
				out = append(out, b)
			}
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "pendant-sim: stdin: %v\n", err)
			return
		}
	}
}
