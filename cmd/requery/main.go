package main

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	err := Execute(os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, errNonDeterministic):
		// Actionable evidence of the defect: distinct exit status so
		// CI can tell "defect found" from "tool broke".
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, "requery:", err)
		os.Exit(2)
	}
}
