package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/intellect4all/cowkv/kvenv"
)

func main() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("cowkv Demo: copy-on-write B+tree with journal durability")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println()

	dir := "./data-cowkv"
	defer os.RemoveAll(dir)

	env, err := kvenv.Open(dir)
	if err != nil {
		log.Fatal(err)
	}
	defer env.Close()

	fmt.Println("✓ Opened environment at", dir)

	fmt.Println("\n[Writing data in one transaction]")
	wtx, err := env.NewTransaction(false)
	if err != nil {
		log.Fatal(err)
	}
	testData := map[string]string{
		"user:1001":   `{"name": "Alice", "age": 30, "city": "NYC"}`,
		"user:1002":   `{"name": "Bob", "age": 25, "city": "SF"}`,
		"product:101": `{"name": "Laptop", "price": 999.99}`,
	}
	for k, v := range testData {
		if _, err := wtx.Put([]byte(k), []byte(v)); err != nil {
			log.Fatalf("put %s: %v", k, err)
		}
	}
	if err := wtx.MultiAdd([]byte("tag:electronics"), []byte("product:101")); err != nil {
		log.Fatal(err)
	}
	if err := wtx.Commit(); err != nil {
		log.Fatal(err)
	}
	fmt.Println("✓ Committed 3 keys plus one multi-value entry")

	fmt.Println("\n[Reading back from a fresh read transaction]")
	rtx, err := env.NewTransaction(true)
	if err != nil {
		log.Fatal(err)
	}
	for k := range testData {
		v, err := rtx.Get([]byte(k))
		if err != nil {
			log.Fatalf("get %s: %v", k, err)
		}
		fmt.Printf("  %s => %s\n", k, v)
	}

	it, err := rtx.MultiIterator([]byte("tag:electronics"))
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("  tag:electronics =>")
	for it.Valid() {
		fmt.Printf("    - %s\n", it.Key())
		it.Next()
	}
	if err := it.Error(); err != nil {
		log.Fatal(err)
	}
	it.Close()
	if err := rtx.Commit(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("\n[Environment stats]")
	stats := env.Stats()
	fmt.Printf("  keys=%d pages=%d commits=%d\n", stats.NumKeys, stats.NumPages, stats.CommitCount)
}
