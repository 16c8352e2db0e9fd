package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"scadabridge/internal/config"
	"scadabridge/internal/db"
	"scadabridge/internal/engine"
	"scadabridge/internal/notifier"
)

// Dry-runs the active alarm rules against one reading.
//
//	go run scripts/test_rules.go <tenant> <plant> <tag> <value> [notify]
func main() {
	fmt.Println("Alarm Rule Tester")
	fmt.Println("=================")

	if len(os.Args) < 5 {
		fmt.Println("usage: test_rules <tenant> <plant> <tag> <value> [notify]")
		os.Exit(2)
	}
	tenant, plant, tag := strings.ToLower(os.Args[1]), os.Args[2], os.Args[3]
	value, err := strconv.ParseFloat(os.Args[4], 64)
	if err != nil {
		log.Fatalf("Bad value %q: %v", os.Args[4], err)
	}
	notify := len(os.Args) > 5 && os.Args[5] == "notify"

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	dbConn, err := db.NewDB(ctx, cfg.DBURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer dbConn.Close()

	rules, err := dbConn.ListActiveRules(ctx)
	if err != nil {
		log.Fatalf("Failed to load rules: %v", err)
	}
	fmt.Printf("Loaded %d active rules\n\n", len(rules))

	var n *notifier.Notifier
	if notify {
		n = notifier.FromConfig(ctx, cfg.Mail)
	}

	matched := 0
	for _, r := range rules {
		if r.TenantID != tenant || r.PlantID != plant || r.Tag != tag {
			continue
		}
		matched++
		hit := engine.Triggered(r, value)
		fmt.Printf("rule %d: %s %s %g -> triggered=%t (cooldown %ds, notify %s)\n",
			r.ID, r.Tag, r.Operator.Symbol(), r.Threshold, hit, r.CooldownSeconds, r.NotifyEmail)
		if !hit || n == nil {
			continue
		}
		ok, msg := n.Notify(ctx, notifier.Alert{
			TenantID:    r.TenantID,
			PlantID:     r.PlantID,
			Tag:         r.Tag,
			Operator:    r.Operator,
			Threshold:   r.Threshold,
			Observed:    value,
			TriggeredAt: time.Now().UTC(),
			Recipient:   r.NotifyEmail,
		})
		fmt.Printf("  email sent=%t %s\n", ok, msg)
	}

	if matched == 0 {
		fmt.Printf("No active rule for %s/%s/%s\n", tenant, plant, tag)
	}
}
