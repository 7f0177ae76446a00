// Package main is a diagnostic tool for testing database connectivity and
// inspecting live hub data. It connects to the database, queries the plugins
// and plugin_metadata tables, and prints a summary to stdout. The binary
// exits with a non-zero code on any failure so it can be embedded in health
// checks or CI/CD pipeline steps to gate deployments on a reachable,
// populated database.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbPassword == "" {
		dbPassword = "hub"
	}

	connStr := fmt.Sprintf("host=localhost port=5432 user=hub password=%s dbname=napari_hub sslmode=disable", dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	// Check canonical plugin records
	fmt.Println("=== PLUGINS ===")
	rows, err := db.Query("SELECT name, version, visibility, is_latest FROM plugins ORDER BY name")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, version, visibility string
		var isLatest bool
		if err := rows.Scan(&name, &version, &visibility, &isLatest); err != nil {
			log.Printf("Warning: failed to scan plugin row: %v", err)
			continue
		}
		latest := ""
		if isLatest {
			latest = " [latest]"
		}
		fmt.Printf("Plugin: %s %s (%s)%s\n", name, version, visibility, latest)
	}

	// Check metadata fragments
	fmt.Println("\n=== METADATA FRAGMENTS ===")
	rows2, err := db.Query("SELECT name, version, type FROM plugin_metadata ORDER BY name, version")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows2.Close()

	count := 0
	for rows2.Next() {
		var name, version, typ string
		if err := rows2.Scan(&name, &version, &typ); err != nil {
			log.Printf("Warning: failed to scan fragment row: %v", err)
			continue
		}
		fmt.Printf("Fragment: %s %s - %s\n", name, version, typ)
		count++
	}

	if count == 0 {
		fmt.Println("No fragments found!")
	}
}
