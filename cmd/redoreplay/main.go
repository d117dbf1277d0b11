// Command redoreplay is a small demo/test harness around the redo and
// replay packages: "write" generates a redo stream from canned operations,
// "replay" decodes and applies a stream against an in-memory index.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pingcap-incubator/redocore/config"
	"github.com/pingcap-incubator/redocore/log"
	"github.com/pingcap-incubator/redocore/replay"
	"github.com/pingcap-incubator/redocore/txn"
	"github.com/pingcap-incubator/redocore/util"
)

var (
	confPath = flag.String("config", "", "path to a TOML config file; defaults are used if empty")
	mode     = flag.String("mode", "write", "one of: write, replay")
)

func main() {
	flag.Parse()

	conf := config.NewDefaultConfig()
	if *confPath != "" {
		loaded, err := config.Load(*confPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}
		conf = loaded
	}
	log.SetLevelByString(conf.LogLevel)

	switch *mode {
	case "write":
		if err := runWrite(conf); err != nil {
			log.Fatalf("write: %v", err)
		}
	case "replay":
		if err := runReplay(conf); err != nil {
			log.Fatalf("replay: %v", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown -mode %q, want write or replay\n", *mode)
		os.Exit(2)
	}
}

func runWrite(conf *config.Config) error {
	w, err := txn.OpenFileWriter(conf.Redo.Path)
	if err != nil {
		return err
	}
	defer w.Close()

	mode, err := txn.ParseDurabilityMode(conf.Redo.Durability)
	if err != nil {
		return err
	}

	ctx := txn.NewTransactionContext(0, 1, conf.BufferSize)
	txnId := ctx.NextTransactionId()

	if err := ctx.RedoEnter(w, txnId); err != nil {
		return err
	}
	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		val := []byte(fmt.Sprintf("value-%d", i))
		if err := ctx.RedoStore(w, txnId, txn.IndexId(100), key, val); err != nil {
			return err
		}
	}
	if _, err := ctx.RedoCommitFinal(w, mode, txnId); err != nil {
		return err
	}

	size, err := util.RedoStreamSize(conf.Redo.Path)
	if err != nil {
		return err
	}
	log.Infof("wrote demo redo stream to %s (%d bytes)", conf.Redo.Path, size)
	return nil
}

// demoIndex is an in-memory Index used only so "replay" has somewhere to
// apply operations to and print the result.
type demoIndex struct{ store map[string]string }

func (ix *demoIndex) Store(_ replay.LocalTransaction, key, value []byte) error {
	ix.store[string(key)] = string(value)
	return nil
}
func (ix *demoIndex) Delete(_ replay.LocalTransaction, key []byte) error {
	delete(ix.store, string(key))
	return nil
}
func (ix *demoIndex) StoreNoLock(key, value []byte) error { return ix.Store(nil, key, value) }
func (ix *demoIndex) DeleteNoLock(key []byte) error        { delete(ix.store, string(key)); return nil }

type demoTxn struct{}

func (demoTxn) Enter() error                                     { return nil }
func (demoTxn) Exit() error                                      { return nil }
func (demoTxn) Commit() error                                    { return nil }
func (demoTxn) CommitAll() error                                  { return nil }
func (demoTxn) Reset() error                                     { return nil }
func (demoTxn) LockShared(txn.IndexId, []byte) error             { return nil }
func (demoTxn) LockUpgradable(txn.IndexId, []byte) error         { return nil }
func (demoTxn) LockExclusive(txn.IndexId, []byte) error          { return nil }
func (demoTxn) RecoveryCleanup(bool) (bool, error)               { return false, nil }
func (demoTxn) Attach(string)                                    {}
func (demoTxn) SetDurabilityMode(txn.DurabilityMode)              {}
func (demoTxn) LockMode() txn.LockMode                            { return txn.LockUpgradableRead }

type demoDB struct {
	ix   *demoIndex
	txns map[int64]replay.LocalTransaction
}

func newDemoDB() *demoDB {
	return &demoDB{ix: &demoIndex{store: map[string]string{}}, txns: map[int64]replay.LocalTransaction{}}
}

func (db *demoDB) OpenIndex(txn.IndexId) (replay.Index, error) { return db.ix, nil }
func (db *demoDB) RenameIndex(txn.IndexId, []byte, int64) error { return nil }
func (db *demoDB) DeleteIndex(txn.IndexId, int64) error         { return nil }
func (db *demoDB) NewTransaction() replay.LocalTransaction      { return demoTxn{} }

func (db *demoDB) TransactionFor(txnId int64) replay.LocalTransaction {
	if t, ok := db.txns[txnId]; ok {
		return t
	}
	t := demoTxn{}
	db.txns[txnId] = t
	return t
}

func (db *demoDB) RemoveTransaction(txnId int64) { delete(db.txns, txnId) }

type stdoutRepl struct{}

func (stdoutRepl) ReadPosition() int64 { return 0 }

func (stdoutRepl) NotifyStore(ix txn.IndexId, key, value []byte) error {
	if value == nil {
		log.Debugf("notify: index %d dropped key %q", ix, key)
		return nil
	}
	log.Debugf("notify: index %d stored %q = %q", ix, key, value)
	return nil
}

func (stdoutRepl) NotifyRename(ix txn.IndexId, newName []byte, txnId int64) error {
	log.Debugf("notify: index %d renamed to %q by txn %d", ix, newName, txnId)
	return nil
}

func (stdoutRepl) NotifyDrop(ix txn.IndexId, txnId int64) error {
	log.Debugf("notify: index %d dropped by txn %d", ix, txnId)
	return nil
}

func (stdoutRepl) Failover() { log.Debugf("failover: promoted to leader") }

func runReplay(conf *config.Config) error {
	if !util.RedoFileExists(conf.Redo.Path) {
		return fmt.Errorf("no redo stream at %s; run with -mode write first", conf.Redo.Path)
	}
	f, err := os.Open(conf.Redo.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	db := newDemoDB()
	eng, err := replay.NewEngine(replay.Config{
		Database:            db,
		ReplicationManager:  stdoutRepl{},
		Workers:             conf.Replay.Workers,
		WorkerQueueCapacity: conf.Replay.WorkerQueueCapacity,
	})
	if err != nil {
		return err
	}

	runErr := eng.Run(f, conf.Replay.ReadTerminators)
	// Close drains every worker's queue before returning, so everything
	// Run dispatched asynchronously is guaranteed applied by the time we
	// read back the index contents below.
	eng.Close()
	if runErr != nil {
		return runErr
	}

	for k, v := range db.ix.store {
		fmt.Printf("%s = %s\n", k, v)
	}
	return nil
}
