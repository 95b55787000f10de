// Command token mints an admin bearer token for the activation
// management routes.  General user login lives outside this service, so
// operators use this to obtain a token signed with the server's JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Leafyheader/LabSync/internal/config"
	"github.com/Leafyheader/LabSync/internal/logging"
	"github.com/Leafyheader/LabSync/internal/utils"
)

func main() {
	log := logging.New("info", "console")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		subject = flag.String("sub", "operator", "token subject (who is acting)")
		role    = flag.String("role", cfg.AdminRoles[0], "role claim")
		ttl     = flag.Duration("ttl", time.Duration(cfg.AccessTTLMin)*time.Minute, "token lifetime")
	)
	flag.Parse()

	tok, err := utils.NewAccessToken(cfg.JWTSecret, *subject, *role, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("mint token")
	}
	log.Info().Str("sub", *subject).Str("role", *role).Time("expires", tok.Exp).Msg("token minted")
	fmt.Fprintln(os.Stdout, tok.Token)
}
