package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  storytime serve [--config <run.yaml>] [--addr <host:port>]")
	fmt.Fprintln(w, "  storytime state --session <id> [--config <run.yaml> | --data-dir <dir>]")
	fmt.Fprintln(w, "  storytime checkpoints --session <id> [--seq <n>] [--config <run.yaml> | --data-dir <dir>]")
	fmt.Fprintln(w, "  storytime replay --session <id> [--config <run.yaml> | --data-dir <dir>]")
	fmt.Fprintln(w, "  storytime prune --session <id> --keep <n> [--config <run.yaml> | --data-dir <dir>]")
	fmt.Fprintln(w, "  storytime cleanup --session <id> [--config <run.yaml> | --data-dir <dir>]")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return 1
	}
	opts, err := parseFlags(args[1:])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	switch args[0] {
	case "serve":
		return serve(opts, stderr)
	case "state":
		return inspectState(opts, stdout, stderr)
	case "checkpoints":
		return inspectCheckpoints(opts, stdout, stderr)
	case "replay":
		return replay(opts, stdout, stderr)
	case "prune":
		return prune(opts, stdout, stderr)
	case "cleanup":
		return cleanup(opts, stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 1
	}
}

type cliOptions struct {
	configPath string
	dataDir    string
	addr       string
	sessionID  string
	seq        uint64
	keep       int
	keepSet    bool
}

func parseFlags(args []string) (cliOptions, error) {
	var o cliOptions
	value := func(i *int, name string) (string, error) {
		*i++
		if *i >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		return args[*i], nil
	}
	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--config":
			o.configPath, err = value(&i, "--config")
		case "--data-dir":
			o.dataDir, err = value(&i, "--data-dir")
		case "--addr":
			o.addr, err = value(&i, "--addr")
		case "--session":
			o.sessionID, err = value(&i, "--session")
		case "--seq":
			var v string
			if v, err = value(&i, "--seq"); err == nil {
				o.seq, err = strconv.ParseUint(v, 10, 64)
				if err != nil || o.seq == 0 {
					err = fmt.Errorf("--seq must be a positive integer")
				}
			}
		case "--keep":
			var v string
			if v, err = value(&i, "--keep"); err == nil {
				o.keep, err = strconv.Atoi(v)
				if err != nil || o.keep < 1 {
					err = fmt.Errorf("--keep must be an integer >= 1")
				}
				o.keepSet = true
			}
		default:
			err = fmt.Errorf("unknown arg: %s", args[i])
		}
		if err != nil {
			return cliOptions{}, err
		}
	}
	return o, nil
}
