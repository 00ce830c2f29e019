package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/InsAnjara/ProgSys/client"
)

var (
	addr         = flag.String("addr", "localhost:1233", "Address of the master")
	debug        = flag.Bool("debug", false, "Log every request")
	dialTimeout  = flag.Duration("dial-timeout", 5*time.Second, "How long to wait for the connection to the master")
	idleTimeout  = flag.Duration("idle-timeout", time.Minute, "How long a single read or write may stall")
	replyTimeout = flag.Duration("reply-timeout", 0, "How long to wait for the master to store, assemble or remove a file, 0 means no limit")
)

const usage = `Usage: %s [flags] <command> [args]

Commands:
  list                 list stored files
  add <path>           upload a local file
  get <name> [dir]     download a file into dir (current directory by default)
  remove <name>        delete a file from every node

Flags:
`

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	cl, err := client.Dial(ctx, *addr, *dialTimeout, *idleTimeout)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}

	cl.SetDebug(*debug)
	cl.SetReplyTimeout(*replyTimeout)

	err = run(ctx, cl, flag.Arg(0), flag.Args()[1:])
	cl.Close()

	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(ctx context.Context, cl *client.Raw, cmd string, args []string) error {
	switch cmd {
	case "list":
		files, err := cl.List(ctx)
		if err != nil {
			return err
		}

		for _, f := range files {
			fmt.Printf("%s\t%d fragments\n", f.Name, f.Fragments)
		}
		return nil
	case "add":
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one path, got %d arguments", len(args))
		}

		st, err := cl.Add(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Println(st)
		return nil
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("expected a name and an optional directory, got %d arguments", len(args))
		}

		dir := "."
		if len(args) == 2 {
			dir = args[1]
		}

		path, err := cl.Get(ctx, args[0], dir)
		if err != nil {
			return err
		}

		fmt.Printf("Saved %q to %s\n", args[0], path)
		return nil
	case "remove":
		if len(args) != 1 {
			return fmt.Errorf("expected exactly one name, got %d arguments", len(args))
		}

		st, err := cl.Remove(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Println(st)
		return nil
	}

	return fmt.Errorf("unknown command, run with -h for help")
}
