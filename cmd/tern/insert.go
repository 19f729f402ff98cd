package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/storage/btree"
	"github.com/tern-db/tern/internal/tx"
)

var flagNullKey bool

// insertCmd maps a key to an object id.
var insertCmd = &cobra.Command{
	Use:   "insert <class> <oid> [value]...",
	Short: "Insert a key for an object into an index",
	Long: `Insert maps a key to an object identifier. The oid has the form
vol:page:slot and names the row the key points at; the index stores it
without dereferencing it. Key values follow in the column order of the
index domain, or --null records the object under the null key.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEntryOp(args, "inserted", func(bt *btree.BTree, txn *tx.Transaction, key []byte, oid storage.OID) error {
			return bt.Insert(txn, key, oid)
		})
	},
}

// deleteCmd removes one key-to-object mapping.
var deleteCmd = &cobra.Command{
	Use:   "delete <class> <oid> [value]...",
	Short: "Delete a key-to-object mapping from an index",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEntryOp(args, "deleted", func(bt *btree.BTree, txn *tx.Transaction, key []byte, oid storage.OID) error {
			return bt.Delete(txn, key, oid)
		})
	},
}

// runEntryOp decodes the <class> <oid> [value]... argument shape shared
// by insert and delete and runs op in its own transaction.
func runEntryOp(args []string, verb string, op func(*btree.BTree, *tx.Transaction, []byte, storage.OID) error) error {
	classID, err := parseClassID(args[0])
	if err != nil {
		return err
	}
	oid, err := storage.ParseOID(args[1])
	if err != nil {
		return err
	}
	if oid.IsNil() {
		return fmt.Errorf("the nil object id 0:0:0 cannot be indexed")
	}

	eng, err := openDB(false)
	if err != nil {
		return err
	}
	defer eng.Close()

	bt, err := eng.OpenIndex(classID)
	if err != nil {
		return err
	}

	var key []byte
	if flagNullKey {
		if len(args) > 2 {
			return fmt.Errorf("--null takes no key values")
		}
	} else {
		key, err = buildKey(bt.Domain(), args[2:])
		if err != nil {
			return err
		}
	}

	err = withTx(eng, tx.ReadCommitted, func(txn *tx.Transaction) error {
		return op(bt, txn, key, oid)
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: class=%d oid=%s\n", verb, classID, oid.String())
	return nil
}

func init() {
	insertCmd.Flags().BoolVar(&flagNullKey, "null", false, "record the object under the null key")
	deleteCmd.Flags().BoolVar(&flagNullKey, "null", false, "remove the object from the null key")
	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(deleteCmd)
}
