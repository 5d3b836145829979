package main

import (
	"log"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/logging"
)

func main() {
	cfg, err := config.Parse[config.Store]()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New("info")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, cfg.Timeout, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()

	if err := db.DropSchema(session, logger); err != nil {
		log.Fatal(err)
	}
	log.Printf("Tables in %s dropped", cfg.Keyspace)
}
