package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/biogate/internal/auth"
	"github.com/nerrad567/biogate/internal/infrastructure/config"
)

// issueToken prints an operator bearer token signed with the configured
// secret:
//
//	biogate issue-token -subject ops@example.com -role admin -ttl 12h
func issueToken(args []string, out io.Writer) error {
	fset := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fset.SetOutput(out)
	subject := fset.String("subject", "", "operator identifier recorded in the audit log")
	role := fset.String("role", string(auth.RoleViewer), "viewer, operator or admin")
	ttl := fset.Duration("ttl", 12*time.Hour, "token lifetime")
	if err := fset.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return errors.New("-subject is required")
	}

	if err := loadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.GenerateAccessToken(*subject, auth.Role(*role), cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
