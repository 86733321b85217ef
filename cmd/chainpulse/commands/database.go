package commands

import (
	"net/url"

	"github.com/teranos/chainpulse/am"
	"github.com/teranos/chainpulse/db"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/logger"
)

// loadConfig loads configuration, failing on validation errors
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the datastore at url.
// If url is empty, it comes from am config.
func openDatabase(url string) (*db.DB, error) {
	if url == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		url = cfg.Database.URL
	}
	if url == "" {
		url = am.DefaultDatabaseURL
	}

	conn, err := db.OpenWithMigrations(url, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return conn, nil
}

// redactURL hides the password of a postgres URL for display
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}
