package main

import (
	"flag"
	"log"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/logging"
)

func main() {
	replication := flag.Int("replication", 1, "keyspace replication factor")
	flag.Parse()

	cfg, err := config.Parse[config.Store]()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New("info")
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := db.EnsureSchema(cfg.ScyllaHosts, cfg.Keyspace, *replication, logger); err != nil {
		log.Fatal(err)
	}
	log.Printf("Keyspace %s ready with %d tables", cfg.Keyspace, len(db.Tables))
}
