/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */

package dsp

import (
	"crypto"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

var DefaultTables = map[string]string{

	// The DnssecKeyStore contains the private and public DNSSEC keys for
	// each zone that we're signing.
	"DnssecKeyStore": `CREATE TABLE IF NOT EXISTS 'DnssecKeyStore' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
state		  TEXT,
keyid		  INTEGER,
flags		  INTEGER,
algorithm	  TEXT,
role		  TEXT,
ownership	  TEXT,
creator	  	  TEXT,
privatekey	  TEXT,
keyrr		  TEXT,
comment		  TEXT,
UNIQUE (zonename, keyid)
)`,

	// One JSON record per zone with the complete key set incl. all
	// rollover state. Written before any externally observable action.
	"KeySetStore": `CREATE TABLE IF NOT EXISTS 'KeySetStore' (
zonename	  TEXT PRIMARY KEY,
keyset		  TEXT
)`,

	"VersionStore": `CREATE TABLE IF NOT EXISTS 'VersionStore' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
serial		  INTEGER,
outserial	  INTEGER,
stage		  INTEGER,
loaded		  TEXT,
stagetime	  TEXT,
superseded	  INTEGER,
failreason	  TEXT,
UNIQUE (zonename, serial)
)`,

	"ReviewStore": `CREATE TABLE IF NOT EXISTS 'ReviewStore' (
id		  INTEGER PRIMARY KEY,
zonename	  TEXT,
serial		  INTEGER,
stage		  TEXT,
decision	  TEXT,
decidedat	  TEXT,
UNIQUE (zonename, serial, stage)
)`,

	"ZoneStateStore": `CREATE TABLE IF NOT EXISTS 'ZoneStateStore' (
zonename	  TEXT PRIMARY KEY,
halted		  INTEGER,
haltreason	  TEXT,
publishedserial	  INTEGER
)`,
}

type PrivateKeyCache struct {
	K          crypto.PrivateKey
	PrivateKey string
	CS         crypto.Signer
	RR         dns.RR
	KeyType    uint16
	Algorithm  uint8
	KeyId      uint16
	DnskeyRR   dns.DNSKEY
}

type DnssecActiveKeys struct {
	KSKs []*PrivateKeyCache
	ZSKs []*PrivateKeyCache
}

type Tx struct {
	*sql.Tx
	StateDB *StateDB
	context string
}

func (tx *Tx) Commit() error {
	err := tx.Tx.Commit()
	tx.StateDB.Ctx = ""
	if err != nil {
		log.Printf("<--- Error committing StateDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.StateDB.Ctx = ""
	if err != nil {
		log.Printf("<--- Error rolling back StateDB transaction (%s): %v", tx.context, err)
	}
	return err
}

func (tx *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	result, err := tx.Tx.Exec(query, args...)
	if err != nil {
		log.Printf("<--- Error executing StateDB Exec (%s): %v", tx.context, err)
	}
	return result, err
}

func (tx *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := tx.Tx.Query(query, args...)
	if err != nil {
		log.Printf("<--- Error executing StateDB query (%s): %v", tx.context, err)
	}
	return rows, err
}

func (tx *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return tx.Tx.QueryRow(query, args...)
}

type StateDB struct {
	DB          *sql.DB
	mu          sync.Mutex
	DnssecCache map[string]*DnssecActiveKeys // map[zonename]*DnssecActiveKeys
	Ctx         string
	RollQ       chan RollRequest
}

func (db *StateDB) Prepare(q string) (*sql.Stmt, error) {
	return db.DB.Prepare(q)
}

func (db *StateDB) Begin(context string) (*Tx, error) {
	if db.Ctx != "" {
		log.Printf("<--- Error: StateDB transaction already in progress: %s", db.Ctx)
		return nil, fmt.Errorf("StateDB transaction already in progress: %s", db.Ctx)
	}
	db.Ctx = context
	tx, err := db.DB.Begin()
	if err != nil {
		log.Printf("Error beginning transaction (%s): %v", context, err)
		return nil, err
	}
	return &Tx{Tx: tx, StateDB: db, context: context}, nil
}

func (db *StateDB) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return db.DB.Query(query, args...)
}

func (db *StateDB) QueryRow(query string, args ...interface{}) *sql.Row {
	return db.DB.QueryRow(query, args...)
}

func (db *StateDB) Exec(query string, args ...interface{}) (sql.Result, error) {
	return db.DB.Exec(query, args...)
}

func (db *StateDB) Close() error {
	return db.DB.Close()
}

func dbSetupTables(db *sql.DB) bool {
	if Globals.Verbose {
		log.Printf("Setting up missing tables\n")
	}

	for t, s := range DefaultTables {
		stmt, err := db.Prepare(s)
		if err != nil {
			log.Printf("dbSetupTables: Error from %s schema \"%s\": %v\n", t, s, err)
		}
		_, err = stmt.Exec()
		if err != nil {
			log.Fatalf("Failed to set up db schema: %s. Error: %v", s, err)
		}
	}

	return false
}

func NewStateDB(dbfile string, force bool) (*StateDB, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("error: DB filename unspecified")
	}
	if Globals.Verbose {
		log.Printf("NewStateDB: using sqlite db in file %s\n", dbfile)
	}
	if _, err := os.Stat(dbfile); err == nil {
		if err := os.Chmod(dbfile, 0664); err != nil {
			return nil, fmt.Errorf("NewStateDB: Error trying to ensure that db %s is writable: %v", dbfile, err)
		}
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewStateDB: Error from sql.Open: %v", err)
	}

	if force {
		for table := range DefaultTables {
			sqlcmd := "DROP TABLE IF EXISTS " + table
			_, err = db.Exec(sqlcmd)
			if err != nil {
				return nil, fmt.Errorf("NewStateDB: Error when dropping table %s: %v", table, err)
			}
		}
	}
	dbSetupTables(db)
	return &StateDB{
		DB:          db,
		DnssecCache: make(map[string]*DnssecActiveKeys),
		RollQ:       make(chan RollRequest, 10),
	}, nil
}
