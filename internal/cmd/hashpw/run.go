// Package hashpw implements the `gridgate hashpw` subcommand used to
// provision password and digest records for auth files and the account
// database.
package hashpw

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"gridgate/internal/auth"
)

// Run hashes a password for auth files, or builds a digest record when
// -digest is set.
func Run(args []string) error {
	fs := flag.NewFlagSet("hashpw", flag.ContinueOnError)
	var password string
	var digest bool
	var username string
	var salt string
	fs.StringVar(&password, "password", "", "password to hash (read from stdin when empty)")
	fs.BoolVar(&digest, "digest", false, "emit a digest record instead of a password hash")
	fs.StringVar(&username, "username", "", "login name, required for -digest")
	fs.StringVar(&salt, "salt", "", "site digest salt, required for -digest")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}

	if digest {
		if username == "" || salt == "" {
			return fmt.Errorf("-digest requires -username and -salt")
		}
		rec, err := auth.MakeDigest("storage", username, password, salt)
		if err != nil {
			return err
		}
		fmt.Println(rec)
		return nil
	}

	hash, err := auth.HashPassword(password, auth.DefaultArgon2Params())
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
