// Package sqlstore implements the relational repositories of mailkb on GORM.
//
// PostgreSQL is used when the DSN is a postgres:// URL or a key=value
// connection string; anything else is opened as a SQLite file. SQLite is
// limited to one open connection, so writers serialize instead of failing
// with SQLITE_BUSY.
//
// Transactions travel in the context: WithTransaction stores the *gorm.DB
// transaction handle in the context handed to its callback and every
// repository method resolves its connection from the context first.
package sqlstore
