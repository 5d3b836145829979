// Package backend opens the store.Store selected by configuration.
package backend

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/mahaj/chatcore/pkg/config"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/store"
	"github.com/mahaj/chatcore/pkg/store/badgerstore"
	"github.com/mahaj/chatcore/pkg/store/scylla"
)

const (
	DriverScylla = "scylla"
	DriverBadger = "badger"
)

func Open(cfg config.Store, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case DriverScylla:
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, cfg.Timeout, log)
		if err != nil {
			return nil, err
		}
		return scylla.New(session, log.Named("scylla")), nil
	case DriverBadger:
		return badgerstore.Open(cfg.BadgerPath, log.Named("badger"))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
