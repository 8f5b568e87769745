// Command habitstack is the HabitStack command-line client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"google.golang.org/grpc/status"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `habitstack %s

Usage:
  habitstack [global flags] <command> [flags]

Global flags:
  -addr string        server address (default "localhost:8443")
  -ca string          CA certificate (PEM)
  -insecure           skip TLS verification
  -plaintext          connect without TLS
  -timeout duration   per-command timeout (default 15s)

Commands:
  version
  register        -u <username> -p <password>
  login           -u <username> -p <password>
  logout
  passwd          -old <password> -new <password>
  delete-account  -p <password>
  fields
  prefs
  set-prefs       -encrypt key1,key2 [-plain key3] [-migrate]
  defaults
  summary
  new-fields
  add             -m <module> -set field=value ...
  edit            -m <module> -id <id> -set field=value ...
  get             -m <module> -id <id>
  list            -m <module>
  rm              -m <module> -id <id>
  export          [-o file]
  import          -f <file> [-replace]
`, version)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	global := flag.NewFlagSet("habitstack", flag.ContinueOnError)
	global.Usage = usage
	addr := global.String("addr", "localhost:8443", "server address")
	ca := global.String("ca", "", "CA certificate (PEM)")
	skip := global.Bool("insecure", false, "skip TLS verification")
	plain := global.Bool("plaintext", false, "connect without TLS")
	timeout := global.Duration("timeout", 15*time.Second, "per-command timeout")
	if err := global.Parse(args); err != nil {
		return 2
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage()
		return 2
	}
	name, cmdArgs := rest[0], rest[1:]
	if name == "version" {
		fmt.Fprintf(out, "habitstack %s (built %s)\n", version, buildDate)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		usage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	cc, err := dial(ctx, *addr, transport{caPath: *ca, skipCheck: *skip, plaintext: *plain})
	if err != nil {
		return fail(err)
	}
	defer func() { _ = cc.Close() }()

	c := &client{cc: cc, out: out}
	if err := cmd(ctx, c, cmdArgs); err != nil {
		return fail(err)
	}
	return 0
}

func fail(err error) int {
	var fe flagError
	if errors.As(err, &fe) {
		fmt.Fprintln(os.Stderr, "error:", fe.err)
		return 2
	}
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
		return 1
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
