package storage

// CurrentSchemaVersion is the latest schema version. Bump it with each migration.
const CurrentSchemaVersion = 1

const schemaV1 = `
-- Each row is one blob: a user's deck, offline queue, sync metadata, or the device id.
CREATE TABLE IF NOT EXISTS blobs (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at DATETIME NOT NULL
);
`
