// Package db selects the storage driver for the picture catalog.
package db

import (
	"github.com/pkg/errors"

	"github.com/yan-zero/savepic/internal/profile"
	"github.com/yan-zero/savepic/store"
	"github.com/yan-zero/savepic/store/db/postgres"
	"github.com/yan-zero/savepic/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "postgres":
		return postgres.NewDB(profile)
	case "sqlite":
		return sqlite.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q", profile.Driver)
	}
}
