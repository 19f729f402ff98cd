package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tern-db/tern/internal/storage"
	"github.com/tern-db/tern/internal/storage/btree"
	"github.com/tern-db/tern/internal/tx"
)

var (
	flagFrom        []string
	flagTo          []string
	flagExcludeFrom bool
	flagExcludeTo   bool
	flagLimit       int
	flagBatch       int
	flagRepeatable  bool
	flagSearchNull  bool
)

// searchCmd is a point lookup.
var searchCmd = &cobra.Command{
	Use:   "search <class> [value]...",
	Short: "Look up the objects of one key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		classID, err := parseClassID(args[0])
		if err != nil {
			return err
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
		if flagSearchNull {
			if len(args) > 1 {
				return fmt.Errorf("--null takes no key values")
			}
		} else {
			key, err = buildKey(bt.Domain(), args[1:])
			if err != nil {
				return err
			}
		}

		var found []storage.OID
		err = withTx(eng, scanLevel(), func(txn *tx.Transaction) error {
			found, err = bt.Search(txn, key)
			return err
		})
		if err != nil {
			return err
		}
		for _, oid := range found {
			fmt.Println(oid.String())
		}
		fmt.Printf("%d object(s)\n", len(found))
		return nil
	},
}

// scanCmd iterates a key range in domain order.
var scanCmd = &cobra.Command{
	Use:   "scan <class>",
	Short: "Scan a key range of an index in order",
	Long: `Scan walks the index between --from and --to, printing the object id
of every entry in key order. Bounds are inclusive unless excluded and an
omitted bound leaves that end open. Multi-column keys repeat the flag
once per column. Reads are read-committed unless --repeatable holds the
locks of the scanned range to commit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		classID, err := parseClassID(args[0])
		if err != nil {
			return err
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

		var lower, upper []byte
		if len(flagFrom) > 0 {
			if lower, err = buildKey(bt.Domain(), flagFrom); err != nil {
				return fmt.Errorf("--from: %w", err)
			}
		}
		if len(flagTo) > 0 {
			if upper, err = buildKey(bt.Domain(), flagTo); err != nil {
				return fmt.Errorf("--to: %w", err)
			}
		}

		total := 0
		err = withTx(eng, scanLevel(), func(txn *tx.Transaction) error {
			scan, err := bt.OpenScan(txn, lower, upper, scanBounds())
			if err != nil {
				return err
			}
			defer scan.Close()

			for {
				batch := flagBatch
				if flagLimit > 0 && flagLimit-total < batch {
					batch = flagLimit - total
				}
				if batch <= 0 {
					return nil
				}
				oids, err := scan.Next(batch)
				if err != nil {
					return err
				}
				if len(oids) == 0 {
					return nil
				}
				for _, oid := range oids {
					fmt.Println(oid.String())
				}
				total += len(oids)
			}
		})
		if err != nil {
			return err
		}
		fmt.Printf("%d object(s)\n", total)
		return nil
	},
}

func scanBounds() btree.Bounds {
	switch {
	case flagExcludeFrom && flagExcludeTo:
		return btree.IncludeNeither
	case flagExcludeFrom:
		return btree.IncludeUpper
	case flagExcludeTo:
		return btree.IncludeLower
	default:
		return btree.IncludeBoth
	}
}

func scanLevel() tx.IsolationLevel {
	if flagRepeatable {
		return tx.RepeatableRead
	}
	return tx.ReadCommitted
}

func init() {
	searchCmd.Flags().BoolVar(&flagSearchNull, "null", false, "look up the objects of the null key")
	searchCmd.Flags().BoolVar(&flagRepeatable, "repeatable", false, "hold read locks to commit")

	scanCmd.Flags().StringArrayVar(&flagFrom, "from", nil, "lower bound, one flag per key column")
	scanCmd.Flags().StringArrayVar(&flagTo, "to", nil, "upper bound, one flag per key column")
	scanCmd.Flags().BoolVar(&flagExcludeFrom, "exclude-from", false, "make the lower bound exclusive")
	scanCmd.Flags().BoolVar(&flagExcludeTo, "exclude-to", false, "make the upper bound exclusive")
	scanCmd.Flags().IntVar(&flagLimit, "limit", 0, "stop after this many objects, 0 for all")
	scanCmd.Flags().IntVar(&flagBatch, "batch", 64, "objects fetched per tree visit")
	scanCmd.Flags().BoolVar(&flagRepeatable, "repeatable", false, "hold the range's locks to commit")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(scanCmd)
}
