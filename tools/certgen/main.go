// Package main generates a development certificate authority, a server
// certificate and one device certificate per requested user id, writing them
// under the output directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atinyakov/GophChat/internal/certgen"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("certgen", flag.ContinueOnError)
	dir := fs.String("out", "certs", "output directory")
	hosts := fs.String("hosts", "localhost,127.0.0.1", "comma-separated server host names and IPs")
	users := fs.String("users", "alice", "comma-separated user ids to issue device certificates for")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", *dir, err)
	}

	ca, err := certgen.NewAuthority("GophChat CA")
	if err != nil {
		return err
	}
	caCert, caKey, err := ca.PEM()
	if err != nil {
		return err
	}
	if err := writePair(*dir, "ca", caCert, caKey); err != nil {
		return err
	}

	srvCert, srvKey, err := ca.IssueServer(splitList(*hosts)...)
	if err != nil {
		return err
	}
	if err := writePair(*dir, "server", srvCert, srvKey); err != nil {
		return err
	}

	for _, user := range splitList(*users) {
		cert, key, err := ca.IssueDevice(user)
		if err != nil {
			return fmt.Errorf("issue %s: %w", user, err)
		}
		if err := writePair(*dir, user, cert, key); err != nil {
			return err
		}
	}

	fmt.Printf("Certificates generated into %s\n", *dir)
	return nil
}

// writePair writes name.crt and name.key; the key is readable by the owner only.
func writePair(dir, name string, certPEM, keyPEM []byte) error {
	if err := os.WriteFile(filepath.Join(dir, name+".crt"), certPEM, 0o644); err != nil {
		return fmt.Errorf("write %s cert: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".key"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write %s key: %w", name, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
