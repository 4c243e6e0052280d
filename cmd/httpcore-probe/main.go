// Command httpcore-probe exercises the transport core end-to-end against a
// single URL: dial, ALPN negotiation, one request on the negotiated
// protocol, response printed with timings. A demonstration binary, not
// part of the library's contract.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/httpcore-go/httpcore/pkg/auth"
	"github.com/httpcore-go/httpcore/pkg/h2"
	"github.com/httpcore-go/httpcore/pkg/iostream"
	"github.com/httpcore-go/httpcore/pkg/message"
	"github.com/httpcore-go/httpcore/pkg/timeout"
	"github.com/httpcore-go/httpcore/pkg/tlsconfig"
	"github.com/httpcore-go/httpcore/pkg/tracebuf"
	"github.com/httpcore-go/httpcore/pkg/transport"
)

func main() {
	var (
		method   = flag.String("method", "GET", "request method")
		insecure = flag.Bool("insecure", false, "disable TLS certificate verification")
		caBundle = flag.String("cacert", "", "CA bundle file or directory")
		connect  = flag.Duration("connect-timeout", 10*time.Second, "connect timeout")
		rw       = flag.Duration("timeout", 30*time.Second, "read/write timeout")
		verbose  = flag.Bool("v", false, "frame-level debug logging")
		trace    = flag.Bool("trace", false, "print the raw bytes sent and received")
		basic    = flag.String("basic", "", "basic auth as user:pass")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: httpcore-probe [flags] <url>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *method, *insecure, *caBundle, *connect, *rw, *verbose, *trace, *basic); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(rawURL, method string, insecure bool, caBundle string, connect, rw time.Duration, verbose, trace bool, basicAuth string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	port := 443
	if u.Scheme == "http" {
		port = 80
	}
	host := u.Hostname()
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	}

	var logger *slog.Logger
	if verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	verify := tlsconfig.VerifyOption(!insecure)
	if caBundle != "" {
		verify = tlsconfig.VerifyCABundle(caBundle)
	}

	timeouts := timeout.NewTriple(connect, rw, rw)
	dialer := transport.Dialer{
		TLS:      tlsconfig.New(nil, verify),
		Timeouts: timeouts,
		Logger:   logger,
	}

	conn, err := dialer.Dial(context.Background(), u.Scheme, host, port)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "* connected via %s (%s)\n", conn.Protocol, conn.Metrics)

	stream := conn.Stream
	var traced *iostream.Traced
	if trace {
		traced = iostream.NewTraced(stream)
		stream = traced
	}

	released := make(chan struct{}, 1)
	c := transport.NewConnection(&transport.Conn{Stream: stream, Protocol: conn.Protocol}, timeouts, func() {
		select {
		case released <- struct{}{}:
		default:
		}
	})
	defer c.Close()
	if h2conn, ok := c.(*h2.Connection); ok && logger != nil {
		h2conn.SetLogger(logger)
	}

	req := &message.Request{Method: method, URL: u, ContentLength: 0}
	if basicAuth != "" {
		user, pass, _ := strings.Cut(basicAuth, ":")
		if err := (auth.Basic{Username: user, Password: pass}).Mutate(req); err != nil {
			return err
		}
	}

	resp, err := c.Send(req, 0)
	if err != nil {
		return err
	}

	fmt.Printf("%s %d\n", resp.Proto, resp.StatusCode)
	for _, f := range resp.Header.Fields() {
		fmt.Printf("%s: %s\n", f.Name, f.Value)
	}
	fmt.Println()

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	os.Stdout.Write(body)
	if resp.Timing != nil {
		fmt.Fprintf(os.Stderr, "\n* %s\n", resp.Timing)
	}

	select {
	case <-released:
		fmt.Fprintln(os.Stderr, "* connection released")
	default:
	}

	if traced != nil {
		dump(">> sent", traced.Sent)
		dump("<< received", traced.Received)
		traced.Sent.Close()
		traced.Received.Close()
	}
	return nil
}

func dump(label string, buf *tracebuf.Buffer) {
	fmt.Fprintf(os.Stderr, "%s (%d bytes)\n", label, buf.Size())
	r, err := buf.Reader()
	if err != nil {
		return
	}
	defer r.Close()
	io.Copy(os.Stderr, r)
	fmt.Fprintln(os.Stderr)
}
