package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tern-db/tern/internal/tx"
)

var flagUnique bool

// createCmd builds a new index.
var createCmd = &cobra.Command{
	Use:   "create <class> <domain>",
	Short: "Create an index over a class",
	Long: `Create an index for the given class id. The domain is a comma-separated
list of column types, for example "string" or "int64,string". Accepted
type names: ` + strings.Join(keywords.Names(), ", ") + `.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		classID, err := parseClassID(args[0])
		if err != nil {
			return err
		}
		domain, err := keywords.ParseDomain(args[1])
		if err != nil {
			return err
		}

		eng, err := openDB(true)
		if err != nil {
			return err
		}
		defer eng.Close()

		err = withTx(eng, tx.ReadCommitted, func(txn *tx.Transaction) error {
			_, err := eng.CreateIndex(txn, classID, domain, flagUnique)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("created index: class=%d domain=%s unique=%t\n", classID, domain.String(), flagUnique)
		return nil
	},
}

// dropCmd removes an index and frees its pages.
var dropCmd = &cobra.Command{
	Use:   "drop <class>",
	Short: "Drop the index of a class",
	Args:  cobra.ExactArgs(1),
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

		err = withTx(eng, tx.ReadCommitted, func(txn *tx.Transaction) error {
			return eng.DropIndex(txn, classID)
		})
		if err != nil {
			return err
		}
		fmt.Printf("dropped index: class=%d\n", classID)
		return nil
	},
}

// listCmd lists the catalog.
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the indexes of a database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openDB(false)
		if err != nil {
			return err
		}
		defer eng.Close()

		infos, err := eng.Indexes()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("no indexes")
			return nil
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].ClassID < infos[j].ClassID })

		fmt.Printf("%-10s %-14s %-18s %-8s %s\n", "CLASS", "ROOT", "DOMAIN", "UNIQUE", "KEYS")
		for _, info := range infos {
			bt, err := eng.OpenIndex(info.ClassID)
			if err != nil {
				fmt.Printf("%-10d %-14s %s\n", info.ClassID, info.Root.String(), err)
				continue
			}
			st, err := bt.Statistics()
			if err != nil {
				return err
			}
			fmt.Printf("%-10d %-14s %-18s %-8t %d\n",
				info.ClassID, info.Root.String(), bt.Domain().String(), bt.Unique(), st.NumKeys)
		}
		return nil
	},
}

func parseClassID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid class id %q", s)
	}
	return uint32(v), nil
}

func init() {
	createCmd.Flags().BoolVar(&flagUnique, "unique", false, "reject keys that already map to an object")
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(listCmd)
}
