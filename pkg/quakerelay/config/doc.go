/*
Package config loads relay settings from YAML or JSON.

# Overview

Config wraps a decoded document and resolves dotted keys through nested
sections, returning the supplied default when a key is missing or has the
wrong type. Settings is the typed view the relay actually runs on.

	cfg, err := config.FromFile("relay.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	shards := cfg.Int("store.shards", 32)

# Settings

	settings, err := config.Load("relay.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	logger := settings.Logger(os.Stderr)
	st := store.New(settings.StoreConfig())

Load("") reads the file named by QUAKERELAY_CONFIG, if set. QUAKERELAY_*
variables then override individual settings.

A settings file looks like:

	store:
	  shards: 64
	dispatch:
	  max_pending: 10000
	  retry:
	    max_attempts: 4
	    initial_backoff: 250ms
	reject:
	  max_size: 500
	journal:
	  path: ./journal.db
	log:
	  level: debug
	  format: json
	telemetry:
	  metrics: true
	  tracing: false
	  prometheus_addr: ":9464"

# Thread Safety

Config and Settings are safe for concurrent reads once loaded.
*/
package config
