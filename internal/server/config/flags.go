package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/flagx"
)

var serverFlags = []string{
	"-a", "-d", "-s", "-alg", "-t", "-r", "-f", "-l", "-redis",
	"-smtp-host", "-smtp-port", "-smtp-user", "-smtp-password", "-email-from",
}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-a string              HTTP bind address (e.g., ":8001")
//	-d string              PostgreSQL DSN
//	-s string              JWT HMAC secret key
//	-alg string            JWT signing algorithm (HS256, HS384, HS512)
//	-t int                 access token validity, minutes
//	-r int                 refresh token validity, days
//	-f string              frontend base URL used in mail links
//	-l string              log format (text, json)
//	-redis string          Redis address for the mail queue ("" = send inline)
//	-smtp-host, -smtp-port, -smtp-user, -smtp-password, -email-from
func parseFlags(config *Config, args []string) error {
	fs := flag.NewFlagSet("gophauth", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	fs.StringVar(&config.Algorithm, "alg", config.Algorithm, "JWT signing algorithm")

	accessMinutes := fs.Int("t", int(config.AccessTokenValidityDuration/time.Minute), "access token validity (in minutes)")
	refreshDays := fs.Int("r", int(config.RefreshTokenValidityDuration/(24*time.Hour)), "refresh token validity (in days)")

	fs.StringVar(&config.FrontendURL, "f", config.FrontendURL, "frontend base URL")
	fs.StringVar(&config.LogFormat, "l", config.LogFormat, "log format")
	fs.StringVar(&config.RedisAddr, "redis", config.RedisAddr, "redis address for the mail queue")
	fs.StringVar(&config.SMTPHost, "smtp-host", config.SMTPHost, "SMTP host")
	fs.IntVar(&config.SMTPPort, "smtp-port", config.SMTPPort, "SMTP port")
	fs.StringVar(&config.SMTPUser, "smtp-user", config.SMTPUser, "SMTP user")
	fs.StringVar(&config.SMTPPassword, "smtp-password", config.SMTPPassword, "SMTP password")
	fs.StringVar(&config.EmailFrom, "email-from", config.EmailFrom, "sender address")

	if err := fs.Parse(flagx.FilterArgs(args, serverFlags)); err != nil {
		return err
	}

	// Only touch the durations when the flag was given, so sub-minute values
	// from JSON or env survive.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "t":
			config.AccessTokenValidityDuration = time.Duration(*accessMinutes) * time.Minute
		case "r":
			config.RefreshTokenValidityDuration = time.Duration(*refreshDays) * 24 * time.Hour
		}
	})
	return nil
}
