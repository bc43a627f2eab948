package store

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*PebbleStore)(nil)
	_ Store = (*CachedStore)(nil)

	_ Tx = (*memTx)(nil)
	_ Tx = (*pgTx)(nil)
	_ Tx = (*pebbleTx)(nil)
	_ Tx = (*recordingTx)(nil)
)
