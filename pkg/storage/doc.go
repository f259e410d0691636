/*
Package storage holds the pluggable storage backends behind the keeper.

Each backend registers per-class logic with a keeper.Registry:

  - memory: nested maps, for tests and ephemeral use. Find returns the whole
    type and the keeper applies the criteria.
  - relational: tables provisioned per metric type on any Store (SQLite via
    go-sqlite3 and goqu). Time range and tag filters run in SQL.
  - badger: BadgerDB keys ordered by occurrence within each type. Time range
    and tag filters run during the scan.

Usage:

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	k, err := keeper.New(store, keeper.WithLogger(keeper.NewLogrusLogger(logrus.StandardLogger())))
	if err != nil {
	    log.Fatal(err)
	}

	login, _ := metric.NewEvent("login", time.Now(), metric.WithPrimaryTags("web"))
	_ = k.Store(ctx, login)

	c, _ := metric.NewCriteria(time.Now().Add(-time.Hour), time.Now(), metric.WithPrimary("web"))
	found := k.Find(ctx, "login", metric.ClassEvent, &c)

Backends that only apply the time range and tags leave time-of-day and
weekday narrowing to the keeper when it runs with keeper.WithUniformMatching.
*/
package storage
