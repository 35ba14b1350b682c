// Command client is the SophosGo client: it owns the secret key
// material (the TDP private key, the derivation master key, and the
// per-keyword counter map) and is the only process that ever sees
// plaintext keywords or document ids. It talks to a sophosgo server
// purely over the update/search wire protocol.
//
// Usage:
//
//	client -dir <secrets-dir> -server <addr> setup
//	client -dir <secrets-dir> -server <addr> update <keyword> <doc-id>
//	client -dir <secrets-dir> -server <addr> search <keyword>
//	client -dir <secrets-dir> -server <addr> bulk-insert <file>
//
// Configuration:
//   - dir: client secrets directory (required; holds tdp_sk.key, counters.dat/, ...)
//   - server: sophosgo server base URL (required for update/search/bulk-insert)
//
// bulk-insert reads whitespace-separated "keyword doc-id" pairs, one
// per line, from the given file (or stdin if the file is "-").
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/dreamware/sophosgo/internal/client"
	"github.com/dreamware/sophosgo/internal/crypto"
)

// logFatal is a variable so tests can intercept fatal errors without
// terminating the test process.
var logFatal = log.Fatalf

func main() {
	dir := flag.String("dir", getenv("CLIENT_SECRETS_DIR", ""), "client secrets directory")
	server := flag.String("server", getenv("CLIENT_SERVER_ADDR", ""), "sophosgo server base URL")
	rsaBits := flag.Int("rsa-bits", crypto.MinRSABits, "RSA modulus size for a new TDP key (setup only)")
	flag.Parse()

	if *dir == "" {
		logFatal("client: -dir is required")
		return
	}
	args := flag.Args()
	if len(args) == 0 {
		logFatal("client: a command is required (setup, update, search, bulk-insert)")
		return
	}

	cmd, rest := args[0], args[1:]
	if err := run(*dir, *server, *rsaBits, cmd, rest); err != nil {
		logFatal("client: %v", err)
	}
}

func run(dir, server string, rsaBits int, cmd string, args []string) error {
	ctx := context.Background()

	switch cmd {
	case "setup":
		c, err := client.Setup(dir, rsaBits, server)
		if err != nil {
			return err
		}
		defer c.Close()

		pub, err := c.PublicKey()
		if err != nil {
			return err
		}
		if server != "" {
			if err := client.SendSetup(ctx, server, pub); err != nil {
				return err
			}
		}
		fmt.Printf("initialized secrets directory %s\n", dir)
		return nil

	case "update":
		if len(args) != 2 {
			return fmt.Errorf("usage: update <keyword> <doc-id>")
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("parse doc-id: %w", err)
		}
		c, err := client.Open(dir, server)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.Update(ctx, args[0], id)

	case "search":
		if len(args) != 1 {
			return fmt.Errorf("usage: search <keyword>")
		}
		c, err := client.Open(dir, server)
		if err != nil {
			return err
		}
		defer c.Close()

		ids, err := c.Search(ctx, args[0])
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil

	case "bulk-insert":
		if len(args) != 1 {
			return fmt.Errorf("usage: bulk-insert <file>")
		}
		c, err := client.Open(dir, server)
		if err != nil {
			return err
		}
		defer c.Close()
		return bulkInsert(ctx, c, args[0])

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// bulkInsert reads "keyword doc-id" pairs from path (or stdin for "-")
// and submits each as an async update, bounding in-flight work on the
// client's worker pool rather than the line count of the input file.
func bulkInsert(ctx context.Context, c *client.Client, path string) error {
	f := os.Stdin
	if path != "-" {
		opened, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer opened.Close()
		f = opened
	}

	scanner := bufio.NewScanner(f)
	var results []<-chan error
	var n int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("bulk-insert: malformed line %q", line)
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bulk-insert: parse doc-id in %q: %w", line, err)
		}
		results = append(results, c.AsyncUpdate(ctx, fields[0], id))
		n++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("bulk-insert: read input: %w", err)
	}

	c.WaitUpdates()
	for _, r := range results {
		if err := <-r; err != nil {
			return err
		}
	}
	fmt.Printf("inserted %d pairs\n", n)
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
