// Package sqlitedb implements ledgerdb.Store on an embedded SQLite file with
// three tables: chain(idx, block), mempool(idx, key, tx) and nodes(node).
// Blocks and transactions are stored as their canonical JSON.
package sqlitedb

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/trace-network/gtrace/core/types"
	"github.com/trace-network/gtrace/ledgerdb"
)

const schema = `
CREATE TABLE IF NOT EXISTS chain (
	idx   INTEGER PRIMARY KEY,
	block TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS mempool (
	idx INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	tx  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS nodes (
	node TEXT PRIMARY KEY
);`

// Database wraps one SQLite file. database/sql serializes access; the replica
// additionally serializes writes through the blockchain mutex.
type Database struct {
	db *sql.DB
}

// New opens (creating if needed) the store at the given file path.
func New(path string) (*Database, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: init schema: %w", err)
	}
	return &Database{db: db}, nil
}

// decodeJSON unmarshals preserving number literals, so re-encoding reproduces
// the stored canonical bytes.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (d *Database) AppendBlock(b *types.Block) error {
	enc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("sqlitedb: encode block: %w", err)
	}
	if _, err := d.db.Exec("INSERT INTO chain (idx, block) VALUES (?, ?)", b.Index, string(enc)); err != nil {
		return fmt.Errorf("sqlitedb: append block %d: %w", b.Index, err)
	}
	return nil
}

func (d *Database) ReplaceChain(chain []*types.Block) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitedb: begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chain"); err != nil {
		return fmt.Errorf("sqlitedb: clear chain: %w", err)
	}
	for _, b := range chain {
		enc, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("sqlitedb: encode block: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO chain (idx, block) VALUES (?, ?)", b.Index, string(enc)); err != nil {
			return fmt.Errorf("sqlitedb: insert block %d: %w", b.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitedb: commit replace: %w", err)
	}
	return nil
}

func (d *Database) LoadChain() ([]*types.Block, error) {
	rows, err := d.db.Query("SELECT block FROM chain ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: load chain: %w", err)
	}
	defer rows.Close()

	var chain []*types.Block
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlitedb: scan block: %w", err)
		}
		var b types.Block
		if err := decodeJSON([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("sqlitedb: decode block: %w", err)
		}
		chain = append(chain, &b)
	}
	return chain, rows.Err()
}

func (d *Database) InsertTransaction(tx *types.Transaction) error {
	enc, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("sqlitedb: encode transaction: %w", err)
	}
	if _, err := d.db.Exec("INSERT INTO mempool (key, tx) VALUES (?, ?)", tx.Key(), string(enc)); err != nil {
		return fmt.Errorf("sqlitedb: insert transaction: %w", err)
	}
	return nil
}

func (d *Database) DeleteTransaction(key string) error {
	if _, err := d.db.Exec("DELETE FROM mempool WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlitedb: delete transaction: %w", err)
	}
	return nil
}

func (d *Database) ClearMempool() error {
	if _, err := d.db.Exec("DELETE FROM mempool"); err != nil {
		return fmt.Errorf("sqlitedb: clear mempool: %w", err)
	}
	return nil
}

func (d *Database) LoadMempool() ([]*types.Transaction, error) {
	rows, err := d.db.Query("SELECT tx FROM mempool ORDER BY idx")
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: load mempool: %w", err)
	}
	defer rows.Close()

	var mempool []*types.Transaction
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlitedb: scan transaction: %w", err)
		}
		var tx types.Transaction
		if err := decodeJSON([]byte(raw), &tx); err != nil {
			return nil, fmt.Errorf("sqlitedb: decode transaction: %w", err)
		}
		mempool = append(mempool, &tx)
	}
	return mempool, rows.Err()
}

func (d *Database) InsertPeer(url string) error {
	if _, err := d.db.Exec("INSERT OR IGNORE INTO nodes (node) VALUES (?)", url); err != nil {
		return fmt.Errorf("sqlitedb: insert peer: %w", err)
	}
	return nil
}

func (d *Database) DeletePeer(url string) error {
	if _, err := d.db.Exec("DELETE FROM nodes WHERE node = ?", url); err != nil {
		return fmt.Errorf("sqlitedb: delete peer: %w", err)
	}
	return nil
}

func (d *Database) LoadPeers() ([]string, error) {
	rows, err := d.db.Query("SELECT node FROM nodes")
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: load peers: %w", err)
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("sqlitedb: scan peer: %w", err)
		}
		peers = append(peers, url)
	}
	return peers, rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}

var _ ledgerdb.Store = (*Database)(nil)
