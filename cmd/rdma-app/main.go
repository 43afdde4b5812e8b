package main

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/cmd/rdma-app/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := commands.NewRootCmd(fmt.Sprintf("%s (commit: %s)", Version, Commit))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("rdma-app failed")
	}
}
